// Package errs carries the enum-tagged (kind, operation) error pairs used
// across the disk and uTP cores (spec §7), the way the teacher carries
// fuse.Status across the kernel boundary instead of a bare error
// (fuse/types.go) and converts at the edge with ToStatus/OK/ENOSYS.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error without pinning it to a particular operation.
type Kind int

const (
	KindNone Kind = iota
	KindIO             // storage read/write failure
	KindCapacity       // cache OOM / cache full, always recoverable by falling open
	KindProtocol       // malformed or unexpected uTP datagram
	KindReset          // peer sent ST_RESET
	KindTimeout        // retransmit budget exhausted
	KindAborted        // operation cancelled by shutdown/delete/destroy
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindIO:
		return "io"
	case KindCapacity:
		return "capacity"
	case KindProtocol:
		return "protocol"
	case KindReset:
		return "reset"
	case KindTimeout:
		return "timeout"
	case KindAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Op names the operation that failed (spec §7: "read", "write",
// "alloc_cache_piece", "rename", ...).
type Op string

const (
	OpRead             Op = "read"
	OpWrite            Op = "write"
	OpAllocCachePiece  Op = "alloc_cache_piece"
	OpHash             Op = "hash"
	OpMoveStorage      Op = "move_storage"
	OpRenameFile       Op = "rename_file"
	OpDeleteFiles      Op = "delete_files"
	OpReleaseFiles     Op = "release_files"
	OpCheckFastresume  Op = "check_fastresume"
	OpSaveResumeData   Op = "save_resume_data"
	OpFilePriority     Op = "file_priority"
	OpFlush            Op = "flush"
	OpConnect          Op = "connect"
	OpUTPSend          Op = "utp_send"
	OpUTPRecv          Op = "utp_recv"
)

// OpError is the error value surfaced to callers. It is never raised as a
// Go panic/exception across a component boundary (spec §7): it is always
// attached to a job's error slot or a uTP handler completion.
type OpError struct {
	Kind Kind
	Op   Op
	Err  error // underlying cause, may be nil
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *OpError) Unwrap() error { return e.Err }

// New builds an *OpError. err may be nil for kinds that carry no
// underlying cause (e.g. KindAborted, KindCapacity).
func New(kind Kind, op Op, err error) *OpError {
	return &OpError{Kind: kind, Op: op, Err: err}
}

// IsAborted reports whether err is (or wraps) an operation-aborted error.
func IsAborted(err error) bool {
	var oe *OpError
	return errors.As(err, &oe) && oe.Kind == KindAborted
}
