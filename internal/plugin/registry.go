package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a fresh plugin instance. Each Load must create a new
// instance so a reload never reuses torn-down state.
type Constructor func() Plugin

var (
	regMu        sync.RWMutex
	constructors = map[string]Constructor{}
)

// Register makes a plugin constructor available by name. Built-in plugins
// call this from init(). Registering the same name twice panics because it
// always indicates a wiring mistake.
func Register(name string, ctor Constructor) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := constructors[name]; dup {
		panic(fmt.Sprintf("plugin: duplicate registration for %q", name))
	}
	constructors[name] = ctor
}

func newInstance(name string) (Plugin, error) {
	regMu.RLock()
	ctor, ok := constructors[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	return ctor(), nil
}

// Registered returns the sorted names of all registered constructors.
func Registered() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
