package diskio

import (
	"sync"

	"github.com/arvidn/libtorrent-sub004/internal/storage"
	"github.com/arvidn/libtorrent-sub004/pkg/cache"
)

// StorageRef binds one torrent's Storage backend to its fence state
// (spec §4.3 "Fences"): a per-storage counter of outstanding jobs and a
// fence flag, used to serialize mutating operations (delete/move/
// rename) against concurrent I/O.
type StorageRef struct {
	ID      cache.StorageID
	Backend storage.Storage

	mu          sync.Mutex
	outstanding int
	fenced      bool
	blocked     []*Job
}

// NewStorageRef wraps a backend with fresh fence state.
func NewStorageRef(id cache.StorageID, backend storage.Storage) *StorageRef {
	return &StorageRef{ID: id, Backend: backend}
}

// admit is called before a non-fence job runs on this storage. If the
// storage is currently fenced, the job is parked on the blocked queue
// and admit returns false; the pool must not run it. Otherwise the
// outstanding counter is incremented and admit returns true.
func (s *StorageRef) admit(j *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fenced {
		s.blocked = append(s.blocked, j)
		return false
	}
	s.outstanding++
	return true
}

// release is called once a non-fence job finishes running.
func (s *StorageRef) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding > 0 {
		s.outstanding--
	}
}

// raiseFence implements spec §4.3 `raise_fence`: if no other jobs are
// outstanding, the fence job may run immediately (fence_post_fence,
// returns true). Otherwise the caller must enqueue flushJob at the
// front of the general queue (fence_post_flush, returns false). In both
// cases the fence flag is set, so subsequent non-fence jobs on this
// storage are blocked until lowerFence.
func (s *StorageRef) raiseFence() (immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fenced = true
	return s.outstanding == 0
}

// lowerFence implements spec §4.3 `lower_fence`: clears the fence flag
// and returns every job that was blocked while it was raised, so the
// pool can re-admit them.
func (s *StorageRef) lowerFence() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fenced = false
	blocked := s.blocked
	s.blocked = nil
	return blocked
}

func (s *StorageRef) isFenced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fenced
}

func (s *StorageRef) outstandingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}
