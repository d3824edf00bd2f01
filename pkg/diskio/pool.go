package diskio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvidn/libtorrent-sub004/internal/alert"
	"github.com/arvidn/libtorrent-sub004/internal/stats"
	"github.com/arvidn/libtorrent-sub004/pkg/cache"
)

// handlerResult is what an action handler returns (spec §4.2 "Retry and
// deferral").
type handlerResult int

const (
	resultDone handlerResult = iota
	resultRetry
	resultDefer
)

// Settings configures a Pool.
type Settings struct {
	Threads           int           // target worker count, 1..N
	MaintenanceTick   time.Duration // thread 0's periodic scan period, default 5s
	ExpiredFlushCap   int           // pieces flushed per expired-write pass, default 200
	PinnedPollInterval time.Duration // shutdown drain poll interval
}

func (s *Settings) setDefaults() {
	if s.Threads <= 0 {
		s.Threads = 1
	}
	if s.MaintenanceTick == 0 {
		s.MaintenanceTick = 5 * time.Second
	}
	if s.ExpiredFlushCap == 0 {
		s.ExpiredFlushCap = 200
	}
	if s.PinnedPollInterval == 0 {
		s.PinnedPollInterval = 10 * time.Millisecond
	}
}

// Pool is the disk I/O thread pool (spec §4.2).
type Pool struct {
	settings Settings
	cache    *cache.Cache
	alert    alert.Dispatcher
	wake     func() // posts a single wake to the external event loop

	mu          sync.Mutex
	generalCond *sync.Cond
	hashCond    *sync.Cond
	generalQ    []*Job
	hashQ       []*Job
	stopping    bool
	hasherOn    bool

	completionMu sync.Mutex
	completion   []*Job

	wg sync.WaitGroup

	actions map[Action]func(*Pool, *Job) handlerResult

	expiryFlush func(cap int)

	remaining  int32
	onShutdown func()
}

// NewPool builds a Pool. wake is invoked (from a worker goroutine)
// whenever the completion list transitions from empty to non-empty —
// the pool's equivalent of posting a single event-loop wakeup, per
// spec §4.2's worker loop.
func NewPool(settings Settings, c *cache.Cache, a alert.Dispatcher, wake func()) *Pool {
	settings.setDefaults()
	p := &Pool{
		settings: settings,
		cache:    c,
		alert:    a,
		wake:     wake,
		hasherOn: settings.Threads >= 4,
	}
	p.generalCond = sync.NewCond(&p.mu)
	p.hashCond = sync.NewCond(&p.mu)
	p.actions = defaultActionTable()
	return p
}

// Start launches the configured number of worker goroutines. Thread 0
// additionally runs periodic maintenance; thread 3 is the dedicated
// hasher when there are at least 4 threads.
func (p *Pool) Start() {
	p.remaining = int32(p.settings.Threads)
	for id := 0; id < p.settings.Threads; id++ {
		p.wg.Add(1)
		go p.worker(id)
	}
}

// Stop implements spec §4.2 "Shutdown": setting the target thread
// count to zero causes workers to exit after draining their queues.
// The last exiting worker waits for every pinned block to be released
// (polling with sleep), then clears the cache, fails any still-queued
// jobs with operation-aborted, and invokes OnShutdown (the pool's "keep
// running" token release). It does not release any storage's file
// handles: the Pool keeps no list of StorageRefs to release.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	p.generalCond.Broadcast()
	p.hashCond.Broadcast()
	p.wg.Wait()
}

// OnShutdown is invoked by the last exiting worker, after the cache is
// cleared and queued jobs are failed, to release the external event
// loop's "keep running" token.
func (p *Pool) OnShutdown(fn func()) { p.onShutdown = fn }

// Collector returns a prometheus.Collector scraping this pool's cache
// (spec §6 "Cached statistics"), for the embedder to register with its
// own registry.
func (p *Pool) Collector() *stats.Collector { return stats.NewCacheCollector(p.cache) }

func (p *Pool) workerExiting() {
	p.wg.Done()
	if atomic.AddInt32(&p.remaining, -1) != 0 {
		return
	}
	p.finalDrain()
}

// finalDrain implements the last-exiting-worker shutdown sequence from
// spec §4.2.
func (p *Pool) finalDrain() {
	for p.cache.Stats().PinnedBlocks > 0 {
		time.Sleep(p.settings.PinnedPollInterval)
	}
	p.cache.Clear()

	p.mu.Lock()
	leftover := append(p.generalQ, p.hashQ...)
	p.generalQ, p.hashQ = nil, nil
	p.mu.Unlock()
	for _, j := range leftover {
		j.Err = errOperationAborted
		j.Complete(j.Err)
	}

	if p.onShutdown != nil {
		p.onShutdown()
	}
}

// AddJob implements spec §4.2 `add_job`: pushes onto the hash queue if
// the job is a hash action and there are at least 4 threads, else onto
// the general queue — unless the job's storage is currently fenced, in
// which case it is parked until the fence lowers (spec §4.3).
func (p *Pool) AddJob(j *Job) {
	if j.Storage != nil && !j.fence {
		if !j.Storage.admit(j) {
			return
		}
	}
	if j.Action == ActionHash && p.hasherOn {
		p.pushHash(j)
		return
	}
	p.pushGeneralTail(j)
}

// AddFenceJob implements spec §4.2/§4.3 `add_fence_job`: raises the
// storage's fence and either runs the fence job immediately
// (fence_post_fence) or enqueues an internal flush-storage job at the
// front of the general queue that must drain first (fence_post_flush).
func (p *Pool) AddFenceJob(sref *StorageRef, job *Job) {
	job.fence = true
	job.Storage = sref
	if sref.raiseFence() {
		p.pushGeneralTail(job)
		return
	}
	flush := &Job{Action: ActionFlushStorage, Storage: sref, fence: true}
	flush.OnComplete = func(*Job) {
		p.pushGeneralFront(job)
	}
	p.pushGeneralFront(flush)
}

func (p *Pool) pushGeneralTail(j *Job) {
	p.mu.Lock()
	p.generalQ = append(p.generalQ, j)
	p.mu.Unlock()
	p.generalCond.Signal()
}

func (p *Pool) pushGeneralFront(j *Job) {
	p.mu.Lock()
	p.generalQ = append([]*Job{j}, p.generalQ...)
	p.mu.Unlock()
	p.generalCond.Signal()
}

func (p *Pool) pushHash(j *Job) {
	p.mu.Lock()
	p.hashQ = append(p.hashQ, j)
	p.mu.Unlock()
	p.hashCond.Signal()
}

// requeue re-enqueues j at the tail of its originating queue (spec
// §4.2 "Retry and deferral": `retry_job`).
func (p *Pool) requeue(j *Job) {
	if j.Action == ActionHash && p.hasherOn {
		p.pushHash(j)
		return
	}
	p.pushGeneralTail(j)
}

func (p *Pool) popGeneral() *Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.generalQ) == 0 && !p.stopping {
		p.generalCond.Wait()
	}
	if len(p.generalQ) == 0 {
		return nil
	}
	j := p.generalQ[0]
	p.generalQ = p.generalQ[1:]
	return j
}

func (p *Pool) popHash() *Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.hashQ) == 0 && !p.stopping {
		p.hashCond.Wait()
	}
	if len(p.hashQ) == 0 {
		return nil
	}
	j := p.hashQ[0]
	p.hashQ = p.hashQ[1:]
	return j
}

func (p *Pool) postCompletion(j *Job) {
	p.completionMu.Lock()
	wasEmpty := len(p.completion) == 0
	p.completion = append(p.completion, j)
	p.completionMu.Unlock()
	if wasEmpty && p.wake != nil {
		p.wake()
	}
}

// DrainCompletions returns and clears the accumulated completion list,
// invoking each job's completion callback. The external event loop
// calls this from its own thread after being woken.
func (p *Pool) DrainCompletions() {
	p.completionMu.Lock()
	done := p.completion
	p.completion = nil
	p.completionMu.Unlock()
	for _, j := range done {
		j.Complete(j.Err)
		if j.Storage != nil && !j.fence {
			j.Storage.release()
		}
		p.finishFenceIfNeeded(j)
	}
}

func (p *Pool) finishFenceIfNeeded(j *Job) {
	if !j.fence || !j.Action.isFenceAction() {
		return
	}
	blocked := j.Storage.lowerFence()
	for _, bj := range blocked {
		p.AddJob(bj)
	}
}

func (p *Pool) worker(id int) {
	defer p.workerExiting()
	isHasher := id == 3 && p.hasherOn

	var lastMaintenance time.Time
	for {
		var j *Job
		if isHasher {
			j = p.popHash()
		} else {
			j = p.popGeneral()
		}
		if j == nil {
			return
		}

		if p.cache.OverHighWatermark() {
			p.cache.TryEvictBlocks(1, cache.Key{})
		}

		handler, ok := p.actions[j.Action]
		if !ok {
			j.Err = errUnsupportedAction
			p.postCompletion(j)
			continue
		}
		switch handler(p, j) {
		case resultRetry:
			p.requeue(j)
		case resultDefer:
			// job attached itself to a piece's queue inside the cache;
			// its completion will be posted by a later MarkAsDone drain.
		default:
			p.postCompletion(j)
		}

		if id == 0 && time.Since(lastMaintenance) >= p.settings.MaintenanceTick {
			p.runMaintenance()
			lastMaintenance = time.Now()
		}
	}
}

// runMaintenance implements spec §4.1's expired-write flushing scan,
// driven by thread 0 every MaintenanceTick.
func (p *Pool) runMaintenance() {
	// Caller supplies the storage lookup via RegisterExpiryFlusher; a
	// bare Pool with no torrents registered simply has nothing to scan.
	if p.expiryFlush != nil {
		p.expiryFlush(p.settings.ExpiredFlushCap)
	}
}

// RegisterExpiryFlusher installs the callback runMaintenance invokes on
// thread 0's periodic scan (spec §4.1 "Expired-write flushing"). fn is
// expected to call cache.ExpiredWritePieces and submit flush-piece jobs
// for what it finds; kept as an injectable hook so Pool itself need not
// hold a registry of every StorageRef.
func (p *Pool) RegisterExpiryFlusher(fn func(cap int)) {
	p.expiryFlush = fn
}
