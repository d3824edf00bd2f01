// Package storage defines the abstract per-torrent storage backend the
// disk core consumes (spec §6 "Storage"), plus one concrete
// implementation backed by direct positioned reads/writes.
//
// spec.md §1 treats "the tracker HTTP client; torrent/piece-picker logic
// above the cache" as external collaborators whose interface, not
// design, is in scope; Storage is that interface. Readv/Writev are
// grounded on golang.org/x/sys/unix's Preadv/Pwritev, the same family
// the teacher uses directly via syscall.Pread/Pwrite in fuse/read.go and
// fs/files.go.
package storage

import (
	"errors"
)

// FileFlags is the file_flags bitset from spec §6.
type FileFlags int

const (
	FlagRandomAccess FileFlags = 1 << iota
	FlagCoalesceBuffers
	FlagSequential
)

// ErrNotImplemented is returned by collaborator hooks a minimal backend
// chooses not to support (e.g. fastresume checking).
var ErrNotImplemented = errors.New("storage: not implemented")

// Storage is the abstract interface consumed by the disk core (spec §6).
type Storage interface {
	Readv(iov [][]byte, piece, offset int, flags FileFlags) (int, error)
	Writev(iov [][]byte, piece, offset int, flags FileFlags) (int, error)
	MoveStorage(newPath string, flags int) error
	RenameFile(index int, newName string) error
	DeleteFiles() error
	ReleaseFiles() error
	CheckFastresume(decodedTree interface{}) (int, error)
	WriteResumeData(entry interface{}) error
	SetFilePriority(priorities []int) error
	FinalizeFile(index int) error
	// Tick lets the storage do periodic maintenance (e.g. flushing
	// memory-mapped ranges); it returns true while it still wants to be
	// ticked.
	Tick() bool
}
