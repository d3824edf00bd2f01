// Package alert defines the narrow interface for posting completions to
// the user's event loop (spec §6 "Alert dispatcher"). diskio.Pool holds
// a Dispatcher but no code path in this module calls Post, and pkg/utp
// does not use this package. Alert *formatting* is explicitly out of
// scope (spec.md §1); only the posting interface and a minimal logging
// default live here.
package alert

import "github.com/arvidn/libtorrent-sub004/internal/logging"

// Kind tags the broad category of an alert.
type Kind int

const (
	KindDiskError Kind = iota
	KindPerformanceWarning
	KindCacheStats
	KindUTPEvent
)

// Alert is a typed completion posted to the user's event loop.
type Alert struct {
	Kind    Kind
	Message string
	Err     error
}

// Dispatcher posts alerts to the user layer.
type Dispatcher interface {
	Post(a Alert)
}

// LoggingDispatcher is the default Dispatcher: it logs every alert
// through internal/logging rather than formatting it for a UI.
type LoggingDispatcher struct{}

func (LoggingDispatcher) Post(a Alert) {
	if a.Err != nil {
		logging.Alerts.Printf("kind=%d msg=%q err=%v", a.Kind, a.Message, a.Err)
		return
	}
	logging.Alerts.Printf("kind=%d msg=%q", a.Kind, a.Message)
}
