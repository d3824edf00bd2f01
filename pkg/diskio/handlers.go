package diskio

import (
	"errors"

	"github.com/arvidn/libtorrent-sub004/internal/errs"
	"github.com/arvidn/libtorrent-sub004/internal/storage"
	"github.com/arvidn/libtorrent-sub004/pkg/cache"
)

var (
	errUnsupportedAction = errors.New("diskio: unsupported action")
	errOperationAborted  = errs.New(errs.KindAborted, errs.OpRead, nil)
)

// defaultActionTable builds the action->handler dispatch table, the
// diskio analogue of fuse/opcode.go's opcode->handler table.
func defaultActionTable() map[Action]func(*Pool, *Job) handlerResult {
	return map[Action]func(*Pool, *Job) handlerResult{
		ActionRead:            handleRead,
		ActionWrite:           handleWrite,
		ActionHash:            handleHash,
		ActionMoveStorage:     handleMoveStorage,
		ActionRenameFile:      handleRenameFile,
		ActionDeleteFiles:     handleDeleteFiles,
		ActionReleaseFiles:    handleReleaseFiles,
		ActionCheckFastresume: handleCheckFastresume,
		ActionSaveResumeData:  handleSaveResumeData,
		ActionFilePriority:    handleFilePriority,
		ActionFlushPiece:      handleFlushPiece,
		ActionFlushHashed:     handleFlushHashed,
		ActionFlushStorage:    handleFlushStorage,
		ActionTrimCache:       handleTrimCache,
		ActionClearPiece:      handleClearPiece,
		ActionStopTorrent:     handleStopTorrent,
		ActionCachePiece:      handleCachePiece,
		ActionTick:            handleTick,
	}
}

func storageKey(j *Job) cache.Key { return cache.Key{Storage: j.Storage.ID, Piece: j.Piece} }

// handleRead implements the read side of spec §4.1's fail-open
// contract: try the cache first; on a miss, allocate placeholders and
// read through storage, falling back to an uncached direct read when
// the cache can't make room.
func handleRead(p *Pool, j *Job) handlerResult {
	n, ref, err := p.cache.TryRead(storageKey(j), j.Offset, j.Size, j.Flags != 0, false, j.Buffer)
	if err == nil {
		j.Ret = n
		if ref != nil {
			// The block's bytes are copied into a job-owned slice and the
			// pin is dropped here, so the cache may free or reuse the
			// block once this handler returns; the BlockRef itself is not
			// passed back to the requester.
			j.Buffer = append([]byte(nil), ref.Data...)
			ref.Release()
		}
		return resultDone
	}
	if err != cache.ErrMiss && err != cache.ErrOOM {
		j.Err = errs.New(errs.KindIO, errs.OpRead, err)
		return resultDone
	}

	bs := p.cache.BlockSize()
	begin := j.Offset / bs
	end := (j.Offset + j.Size + bs - 1) / bs

	filled, aerr := p.cache.AllocatePending(storageKey(j), begin, end, j)
	if aerr == cache.ErrOOM {
		return directRead(p, j)
	}
	if filled == 0 && aerr == nil {
		// Already resident (raced with another reader); retry the hit path.
		return resultRetry
	}

	iov, berr := p.cache.BlockBuffers(storageKey(j), begin, end)
	if berr != nil {
		j.Err = errs.New(errs.KindIO, errs.OpRead, berr)
		return resultDone
	}
	rn, rerr := j.Storage.Backend.Readv(iov, j.Piece, begin*bs, storage.FileFlags(j.Flags))
	var ioErr error
	if rerr != nil {
		ioErr = rerr
	}

	completed, retry := p.cache.MarkAsDone(storageKey(j), begin, end, ioErr)
	requeueOthers(p, j, retry)
	completeOthers(p, j, completed, ioErr)

	if ioErr != nil {
		j.Err = errs.New(errs.KindIO, errs.OpRead, ioErr)
		return resultDone
	}
	j.Ret = rn
	// The blocks just landed in the cache resident and valid; hand the
	// caller its slice of them the same way a cache hit would.
	return resultRetry
}

// requeueOthers re-submits every deferred waiter unblocked by a
// MarkAsDone call, skipping j itself (the handler's own return value
// carries j's outcome).
func requeueOthers(p *Pool, j *Job, waiters []cache.Waiter) {
	for _, w := range waiters {
		if rj, ok := w.(*Job); ok && rj != j {
			p.requeue(rj)
		}
	}
}

// completeOthers posts every other waiter returned by MarkAsDone to the
// completion list, skipping j itself.
func completeOthers(p *Pool, j *Job, waiters []cache.Waiter, ioErr error) {
	for _, w := range waiters {
		rj, ok := w.(*Job)
		if !ok || rj == j {
			continue
		}
		rj.Err = ioErr
		p.postCompletion(rj)
	}
}

func directRead(p *Pool, j *Job) handlerResult {
	buf := j.Buffer
	if buf == nil {
		buf = make([]byte, j.Size)
	}
	n, err := j.Storage.Backend.Readv([][]byte{buf}, j.Piece, j.Offset, storage.FileFlags(j.Flags))
	if err != nil {
		j.Err = errs.New(errs.KindIO, errs.OpRead, err)
		return resultDone
	}
	j.Ret = n
	j.Buffer = buf
	return resultDone
}

// handleWrite implements spec §4.1 `add_dirty_block`: the buffer is
// cached as dirty; the job itself completes once the block is actually
// flushed (handled by handleFlushPiece/handleFlushHashed), so a
// successful cache attach defers the job rather than completing it.
func handleWrite(p *Pool, j *Job) handlerResult {
	err := p.cache.AddDirtyBlock(storageKey(j), j.Offset, j.Buffer, j)
	if err != nil {
		j.Err = errs.New(errs.KindCapacity, errs.OpWrite, err)
		return resultDone
	}
	return resultDefer
}

// handleHash implements spec §4.3: retry_job while another hash
// computation is in flight, otherwise attach and kick the hasher.
func handleHash(p *Pool, j *Job) handlerResult {
	immediate, digest, retry, err := p.cache.RequestHash(storageKey(j), j)
	if err != nil {
		j.Err = errs.New(errs.KindIO, errs.OpHash, err)
		return resultDone
	}
	if retry {
		return resultRetry
	}
	if immediate {
		j.Buffer = digest
		return resultDone
	}
	return resultDefer
}

func handleMoveStorage(p *Pool, j *Job) handlerResult {
	if err := j.Storage.Backend.MoveStorage(j.NewPath, j.Flags); err != nil {
		j.Err = errs.New(errs.KindIO, errs.OpMoveStorage, err)
	}
	return resultDone
}

func handleRenameFile(p *Pool, j *Job) handlerResult {
	if err := j.Storage.Backend.RenameFile(j.FileIndex, j.NewName); err != nil {
		j.Err = errs.New(errs.KindIO, errs.OpRenameFile, err)
	}
	return resultDone
}

func handleDeleteFiles(p *Pool, j *Job) handlerResult {
	if err := j.Storage.Backend.DeleteFiles(); err != nil {
		j.Err = errs.New(errs.KindIO, errs.OpDeleteFiles, err)
	}
	return resultDone
}

func handleReleaseFiles(p *Pool, j *Job) handlerResult {
	if err := j.Storage.Backend.ReleaseFiles(); err != nil {
		j.Err = errs.New(errs.KindIO, errs.OpReleaseFiles, err)
	}
	return resultDone
}

func handleCheckFastresume(p *Pool, j *Job) handlerResult {
	ret, err := j.Storage.Backend.CheckFastresume(j.ResumeTree)
	j.Ret = ret
	if err != nil {
		j.Err = errs.New(errs.KindIO, errs.OpCheckFastresume, err)
	}
	return resultDone
}

func handleSaveResumeData(p *Pool, j *Job) handlerResult {
	if err := j.Storage.Backend.WriteResumeData(j.ResumeTree); err != nil {
		j.Err = errs.New(errs.KindIO, errs.OpSaveResumeData, err)
	}
	return resultDone
}

func handleFilePriority(p *Pool, j *Job) handlerResult {
	if err := j.Storage.Backend.SetFilePriority(j.Priorities); err != nil {
		j.Err = errs.New(errs.KindIO, errs.OpFilePriority, err)
	}
	return resultDone
}

// flushRange performs the storage write for a piece's reserved dirty
// prefix — the actual block buffers TryFlushHashed reserved, not a
// placeholder copy — and reports the outcome back to the cache, used by
// both handleFlushPiece and handleFlushHashed.
func flushRange(p *Pool, j *Job, begin, end int, iov [][]byte) handlerResult {
	key := storageKey(j)
	blockSize := p.cache.BlockSize()
	n, err := j.Storage.Backend.Writev(iov, j.Piece, begin*blockSize, storage.FileFlags(j.Flags))
	var ioErr error
	if err != nil {
		ioErr = err
	}
	completed, retry := p.cache.MarkAsDone(key, begin, end, ioErr)
	requeueOthers(p, j, retry)
	completeOthers(p, j, completed, ioErr)
	j.Ret = n
	if ioErr != nil {
		j.Err = errs.New(errs.KindIO, errs.OpWrite, ioErr)
	}
	return resultDone
}

func handleFlushPiece(p *Pool, j *Job) handlerResult {
	begin, end, iov, ok := p.cache.TryFlushHashed(storageKey(j), 1)
	if !ok {
		return resultRetry
	}
	return flushRange(p, j, begin, end, iov)
}

func handleFlushHashed(p *Pool, j *Job) handlerResult {
	contBlock := j.Size
	if contBlock <= 0 {
		contBlock = 1
	}
	begin, end, iov, ok := p.cache.TryFlushHashed(storageKey(j), contBlock)
	if !ok {
		return resultRetry
	}
	return flushRange(p, j, begin, end, iov)
}

// flushKey drains every currently-flushable dirty prefix of key,
// looping until TryFlushHashed has nothing left to reserve. A dirty
// range that sits beyond the piece's hash cursor stays deferred, the
// same as it would after a standalone flush-piece job.
func flushKey(p *Pool, key cache.Key, backend storage.Storage, flags int) {
	blockSize := p.cache.BlockSize()
	for {
		begin, end, iov, ok := p.cache.TryFlushHashed(key, 1)
		if !ok {
			return
		}
		_, err := backend.Writev(iov, key.Piece, begin*blockSize, storage.FileFlags(flags))
		var ioErr error
		if err != nil {
			ioErr = err
		}
		completed, retry := p.cache.MarkAsDone(key, begin, end, ioErr)
		requeueOthers(p, nil, retry)
		completeOthers(p, nil, completed, ioErr)
	}
}

// handleFlushStorage implements the flush side of spec §4.3
// `fence_post_flush`: before the fence-raising delete/move/rename job
// runs, every piece of j.Storage still holding dirty blocks is flushed,
// so those writes land on disk (or fail and get dropped) instead of
// racing the mutating operation.
func handleFlushStorage(p *Pool, j *Job) handlerResult {
	for _, key := range p.cache.DirtyPiecesForStorage(j.Storage.ID) {
		flushKey(p, key, j.Storage.Backend, j.Flags)
	}
	return resultDone
}

func handleTrimCache(p *Pool, j *Job) handlerResult {
	j.Ret = p.cache.Trim()
	return resultDone
}

func handleClearPiece(p *Pool, j *Job) handlerResult {
	p.cache.EvictPiece(storageKey(j))
	return resultDone
}

func handleStopTorrent(p *Pool, j *Job) handlerResult {
	if err := j.Storage.Backend.ReleaseFiles(); err != nil {
		j.Err = errs.New(errs.KindIO, errs.OpReleaseFiles, err)
	}
	return resultDone
}

func handleCachePiece(p *Pool, j *Job) handlerResult {
	_, err := p.cache.AllocatePending(storageKey(j), 0, p.cache.BlocksPerPiece(), j)
	if err != nil {
		j.Err = errs.New(errs.KindCapacity, errs.OpRead, err)
		return resultDone
	}
	return resultDefer
}

func handleTick(p *Pool, j *Job) handlerResult {
	wantsMore := j.Storage.Backend.Tick()
	j.Ret = 0
	if wantsMore {
		j.Ret = 1
	}
	return resultDone
}
