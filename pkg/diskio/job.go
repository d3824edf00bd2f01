// Package diskio implements the disk I/O thread pool (spec §4.2/§4.3): a
// job-dispatch engine executing storage operations on a fixed set of
// worker threads, coordinating with the block cache and per-storage
// fences, and posting completions back to an external event loop.
//
// The worker loop, action-table dispatch, and request-lifecycle idiom
// are grounded on fuse.Server's loop/handleRequest/allocOut
// (fuse/server.go) and the opcode->handler table in fuse/opcode.go: a
// request is popped, parsed, dispatched through a table, and returned
// to a pool when done, exactly as here a Job is popped, dispatched
// through the action table (Pool.actions), and returned to the caller
// via Complete.
package diskio

import (
	"github.com/arvidn/libtorrent-sub004/pkg/cache"
)

// Action tags what a Job does (spec §3 "Disk job").
type Action int

const (
	ActionRead Action = iota
	ActionWrite
	ActionHash
	ActionMoveStorage
	ActionReleaseFiles
	ActionDeleteFiles
	ActionCheckFastresume
	ActionSaveResumeData
	ActionRenameFile
	ActionStopTorrent
	ActionCachePiece
	ActionFlushPiece
	ActionFlushHashed
	ActionFlushStorage
	ActionTrimCache
	ActionFilePriority
	ActionClearPiece
	ActionTick
)

func (a Action) String() string {
	names := [...]string{
		"read", "write", "hash", "move_storage", "release_files",
		"delete_files", "check_fastresume", "save_resume_data",
		"rename_file", "stop_torrent", "cache_piece", "flush_piece",
		"flush_hashed", "flush_storage", "trim_cache", "file_priority",
		"clear_piece", "tick",
	}
	if int(a) < len(names) {
		return names[a]
	}
	return "unknown"
}

// isFenceAction reports whether an action is a mutating, fence-raising
// operation (spec §4.3 "Fences").
func (a Action) isFenceAction() bool {
	switch a {
	case ActionMoveStorage, ActionDeleteFiles, ActionRenameFile:
		return true
	default:
		return false
	}
}

// Job is the enum-tagged record spec §3 describes: one unit of work
// submitted to the pool.
type Job struct {
	Action  Action
	Storage *StorageRef
	Piece   int
	Offset  int
	Buffer  []byte
	Size    int
	Flags   int

	// Requester-supplied fields for operations that need them.
	NewPath    string
	NewName    string
	Priorities []int
	FileIndex  int
	ResumeTree interface{}

	Requester interface{}
	OnComplete func(job *Job)

	Err error
	Ret int

	fence bool
	next  *Job // intrusive queue linkage
}

// Complete implements cache.Waiter: the cache calls this when a
// deferred or queued job's blocking condition resolves.
func (j *Job) Complete(err error) {
	j.Err = err
	if j.OnComplete != nil {
		j.OnComplete(j)
	}
}

var _ cache.Waiter = (*Job)(nil)
