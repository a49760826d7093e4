package envsig

import "sync"

// hooks is a registry of callbacks fired outside its lock.
type hooks struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

func (h *hooks) add(fn func()) func() {
	h.mu.Lock()
	if h.fns == nil {
		h.fns = make(map[int]func())
	}
	id := h.next
	h.next++
	h.fns[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.fns, id)
		h.mu.Unlock()
	}
}

// fire runs every registered callback in registration order.
func (h *hooks) fire() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.fns))
	for i := 0; i < h.next; i++ {
		if fn, ok := h.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
