package backend

import (
	"sync"

	"github.com/colohq/blkcolo/internal/interfaces"
)

// BeforeWriteHook is invoked with the exact sectors about to be written,
// before the write reaches the wrapped backend. A non-nil error aborts the
// write.
type BeforeWriteHook func(p []byte, off int64) error

// Hooked wraps an interfaces.Backend with a single before-write notifier
// slot, the Go equivalent of bdrv_add_before_write_notifier /
// notifier_with_return_remove. The plain ublk Backend interface has no hook
// point of its own, so ReplicationDriver installs itself here instead of on
// the backend directly.
type Hooked struct {
	interfaces.Backend

	mu   sync.RWMutex
	hook BeforeWriteHook
}

// NewHooked wraps b with an initially-empty hook slot.
func NewHooked(b interfaces.Backend) *Hooked {
	return &Hooked{Backend: b}
}

// SetHook installs fn as the before-write notifier, replacing any previous
// one.
func (h *Hooked) SetHook(fn BeforeWriteHook) {
	h.mu.Lock()
	h.hook = fn
	h.mu.Unlock()
}

// ClearHook removes the before-write notifier.
func (h *Hooked) ClearHook() {
	h.mu.Lock()
	h.hook = nil
	h.mu.Unlock()
}

// WriteAt runs the installed hook, if any, before delegating to the wrapped
// backend. The hook runs synchronously on the caller's goroutine, matching
// the coroutine_fn semantics of colo_before_write_notify.
func (h *Hooked) WriteAt(p []byte, off int64) (int, error) {
	h.mu.RLock()
	hook := h.hook
	h.mu.RUnlock()

	if hook != nil {
		if err := hook(p, off); err != nil {
			return 0, err
		}
	}

	return h.Backend.WriteAt(p, off)
}
