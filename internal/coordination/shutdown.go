package coordination

import "context"

// Shutdown is the cross-component broadcast every blocking operation in the
// transport and session layers must select on: the TCP
// connect, the frame read/write, the 10-second reconnect delay, lock
// acquisition, and repository calls all take a context derived from it.
type Shutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewShutdown creates a Shutdown broadcast derived from parent. Calling the
// returned Shutdown's Trigger (or canceling parent) closes Done for every
// holder of this Shutdown.
func NewShutdown(parent context.Context) *Shutdown {
	ctx, cancel := context.WithCancel(parent)
	return &Shutdown{ctx: ctx, cancel: cancel}
}

// Context returns the context every blocking call should be derived from or
// passed directly.
func (s *Shutdown) Context() context.Context { return s.ctx }

// Done returns the channel that closes once shutdown has been triggered.
func (s *Shutdown) Done() <-chan struct{} { return s.ctx.Done() }

// Triggered reports whether shutdown has already been requested.
func (s *Shutdown) Triggered() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// Trigger broadcasts shutdown to every holder of this Shutdown's context.
// Safe to call more than once or concurrently.
func (s *Shutdown) Trigger() { s.cancel() }
