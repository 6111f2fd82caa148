package memory

import "runtime/debug"

// GCFunc forces a full collection. The zero value uses debug.FreeOSMemory,
// which runs a complete GC and returns freed spans to the OS.
type GCFunc func()

// Do runs the collection.
func (fn GCFunc) Do() {
	if fn != nil {
		fn()
		return
	}
	debug.FreeOSMemory()
}

// ForceFullCollection adapts GCFunc to the controller's collector dependency.
func (fn GCFunc) ForceFullCollection() {
	fn.Do()
}
