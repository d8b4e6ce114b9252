package coordination

import "sync/atomic"

// Readiness holds the write-once Initialized flag consumed by the rest of
// the profile server: it latches true exactly once, the moment the
// session engine's initial full neighborhood sync commits, and never
// resets for the lifetime of the process.
type Readiness struct {
	initialized atomic.Bool
}

// NewReadiness creates a Readiness starting uninitialized.
func NewReadiness() *Readiness {
	return &Readiness{}
}

// MarkInitialized latches the flag. Subsequent calls are no-ops.
func (r *Readiness) MarkInitialized() {
	r.initialized.Store(true)
}

// Initialized reports whether the initial full sync has ever completed.
func (r *Readiness) Initialized() bool {
	return r.initialized.Load()
}
