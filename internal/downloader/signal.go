package downloader

import "sync/atomic"

// StopReason tells a running transfer why it should stop at the next chunk boundary.
type StopReason int32

const (
	StopNone StopReason = iota
	StopPaused
	StopRemoving
)

func (r StopReason) String() string {
	switch r {
	case StopPaused:
		return "paused"
	case StopRemoving:
		return "removing"
	default:
		return "none"
	}
}

// Signal is the cancellation handle of one running transfer.
type Signal struct {
	reason atomic.Int32
	done   chan struct{}
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Stop asks the transfer to stop. Removing overrides an earlier pause, never the reverse.
func (s *Signal) Stop(reason StopReason) {
	for {
		cur := s.reason.Load()
		if StopReason(cur) >= reason {
			return
		}

		if s.reason.CompareAndSwap(cur, int32(reason)) {
			return
		}
	}
}

// Reason returns the requested stop reason, StopNone while the transfer may continue.
func (s *Signal) Reason() StopReason {
	return StopReason(s.reason.Load())
}

// Done is closed once the transfer goroutine has returned.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}
