// Package logging provides the small prefix-tagged loggers shared by the
// cache, disk thread pool and uTP socket. It deliberately wraps the
// standard log package rather than a structured-logging library: none of
// the rest of the pack carries one into the disk/transport domain, and
// the teacher (go-fuse) logs the same terse way throughout fuse/server.go.
package logging

import (
	"log"
	"os"
)

// Logger is a *log.Logger with a fixed component prefix, e.g. "cache: ".
type Logger struct {
	*log.Logger
}

// New returns a Logger that prefixes every line with component.
func New(component string) *Logger {
	return &Logger{log.New(os.Stderr, component+": ", log.LstdFlags)}
}

var (
	Cache  = New("cache")
	Disk   = New("disk")
	UTP    = New("utp")
	Alerts = New("alert")
)
