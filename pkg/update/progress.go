package update

import (
	"sync"
	"time"
)

type Stage int

const (
	StageResolved Stage = iota + 1
	StageDownloadStarted
	StageDownloading
	StageExtracted
	StageValidated
)

func (s Stage) String() string {
	switch s {
	case StageResolved:
		return "resolved"
	case StageDownloadStarted:
		return "download-started"
	case StageDownloading:
		return "downloading"
	case StageExtracted:
		return "extracted"
	case StageValidated:
		return "validated"
	default:
		return "unknown"
	}
}

// Progress is passed to a ProgressFunc. Percent and Remaining describe the
// download and are only estimated during StageDownloading.
type Progress struct {
	Stage     Stage
	Percent   float64
	Remaining time.Duration
}

type ProgressFunc func(Progress)

// reporter serializes calls to a ProgressFunc and drops reports made
// after the acquisition finished.
type reporter struct {
	mu     sync.Mutex
	fn     ProgressFunc
	closed bool
}

func newReporter(fn ProgressFunc) *reporter {
	return &reporter{fn: fn}
}

func (r *reporter) report(p Progress) {
	if r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.fn(p)
}

func (r *reporter) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
