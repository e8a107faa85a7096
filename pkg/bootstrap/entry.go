package bootstrap

import (
	"fmt"
	"sync"
)

// EntryFunc is a worker entry point: the compiled-in replacement for the
// original's pickled (init, init_a, init_kw) tuple invoked once BootImporter
// has installed itself. environ has already been applied to the process
// before EntryFunc runs.
type EntryFunc func() error

var (
	entriesMu sync.RWMutex
	entries   = make(map[string]EntryFunc)
)

// RegisterEntry associates name with fn, so a re-exec'd child can be told
// which entry point to run by name alone (via Manifest.MainEntry) instead of
// needing its own argv parsing logic per transport kind. Typically called
// from an init function in the same binary that also calls
// conn.RunForkWorker from main.
func RegisterEntry(name string, fn EntryFunc) {
	entriesMu.Lock()
	defer entriesMu.Unlock()
	entries[name] = fn
}

// RunEntry looks up and invokes the entry point registered under name.
func RunEntry(name string) error {
	entriesMu.RLock()
	fn, ok := entries[name]
	entriesMu.RUnlock()
	if !ok {
		return fmt.Errorf("bootstrap: no entry point registered for %q", name)
	}
	return fn()
}
