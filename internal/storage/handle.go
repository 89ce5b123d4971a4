package storage

import "sync/atomic"

// HandleState tracks whether a scoped handle has been closed. Backends embed
// it so every handle rejects use-after-close the same way.
type HandleState struct {
	closed atomic.Bool
}

// CheckOpen returns ErrStoreClosed once MarkClosed has been called.
func (h *HandleState) CheckOpen() error {
	if h.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// MarkClosed flips the handle to closed. It returns false if the handle was
// already closed, which lets Close stay idempotent.
func (h *HandleState) MarkClosed() bool {
	return h.closed.CompareAndSwap(false, true)
}

// Closed reports whether the handle has been closed.
func (h *HandleState) Closed() bool {
	return h.closed.Load()
}
