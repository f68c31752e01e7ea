// Package supervisor runs the control plane's services as independent OS
// processes. A child is addressed by a stable entry name plus a plain-data
// config record; the supervisor re-executes its own binary so no live
// references ever cross a process boundary.
package supervisor

import (
	"fmt"
	"sort"
	"sync"
)

// EntryFunc is a child process entry point. It receives only the plain-data
// config record the supervisor serialized for it, and blocks until the
// service stops.
type EntryFunc func(config map[string]any) error

var (
	entryMu sync.RWMutex
	entries = map[string]EntryFunc{}
)

// RegisterEntry registers a child entry point under a stable name. Entries
// are registered at init time in the binary, so parent and child agree on
// the name table.
func RegisterEntry(name string, fn EntryFunc) {
	entryMu.Lock()
	defer entryMu.Unlock()
	if _, exists := entries[name]; exists {
		panic(fmt.Sprintf("supervisor: entry %q registered twice", name))
	}
	entries[name] = fn
}

// LookupEntry resolves a registered entry by name.
func LookupEntry(name string) (EntryFunc, error) {
	entryMu.RLock()
	defer entryMu.RUnlock()
	fn, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown entry %q (registered: %v)", name, entryNamesLocked())
	}
	return fn, nil
}

// EntryNames lists the registered entries, sorted.
func EntryNames() []string {
	entryMu.RLock()
	defer entryMu.RUnlock()
	return entryNamesLocked()
}

func entryNamesLocked() []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
