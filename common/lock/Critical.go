package lock

import "sync"

// Critical guards one shared field group between the foreground and a
// tick context. On the original single-CPU target this maps to a global
// interrupt disable; here it is a mutex so the tick goroutines and the
// foreground exclude each other the same way.
type Critical struct {
	mu sync.Mutex
}

// Section runs fn with exclusive access to the guarded fields. Release
// happens on every exit path, including panics.
func (cs *Critical) Section(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	fn()
}
