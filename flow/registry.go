package flow

import (
	"fmt"
	"sync"
)

// FlowLogic is the user-supplied workflow definition. To the runtime it
// is opaque beyond its Call entry point (spec §3's FlowLogic / GLOSSARY)
// - Call runs on the flow's single worker goroutine and blocks only by
// calling methods on the supplied FlowContext, which suspend the
// goroutine and re-enter Transition rather than blocking the thread.
type FlowLogic interface {
	Call(ctx *FlowContext) ([]byte, error)
}

// FlowConstructor builds a fresh FlowLogic instance for one invocation.
// Flow types register a constructor instead of the runtime reflecting
// over a class, per REDESIGN FLAGS: "replace dynamic reflection over
// user-flow classes with a flow registry".
type FlowConstructor func() FlowLogic

type flowTypeKey struct {
	class   string
	version uint32
}

// Registry maps (flowClass, version) to a constructor, grounded on
// task_worker.go's RegisterHandler: registration must complete before
// the registry is used to start any flow, and registering the same key
// twice is rejected rather than silently overwritten.
type Registry struct {
	mu      sync.RWMutex
	entries map[flowTypeKey]FlowConstructor
	sealed  bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[flowTypeKey]FlowConstructor)}
}

// DefaultRegistry is the package-level registry flow types register
// against from their own init() functions (spec §9's "replace dynamic
// reflection over user-flow classes with a flow registry"), mirroring
// task_worker.go's single shared handler table. A host process that
// needs isolated registries (e.g. per-test) should build its own
// Registry with NewRegistry instead of using this one.
var DefaultRegistry = NewRegistry()

// Register adds a constructor for (class, version). Must be called
// before Seal; returns an error for an empty class, a nil constructor,
// a duplicate key, or a call after Seal.
func (r *Registry) Register(class string, version uint32, ctor FlowConstructor) error {
	if class == "" {
		return fmt.Errorf("flow class cannot be empty")
	}
	if ctor == nil {
		return fmt.Errorf("flow constructor cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("cannot register flow class %q: registry is sealed", class)
	}

	key := flowTypeKey{class: class, version: version}
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("flow class %q version %d already registered", class, version)
	}
	r.entries[key] = ctor
	return nil
}

// Seal freezes the registry against further Register calls, the way
// TaskWorkerPool.RegisterHandler refuses registration once the pool is
// running.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// New constructs a FlowLogic instance for (class, version).
func (r *Registry) New(class string, version uint32) (FlowLogic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ctor, ok := r.entries[flowTypeKey{class: class, version: version}]
	if !ok {
		return nil, fmt.Errorf("no flow registered for class %q version %d", class, version)
	}
	return ctor(), nil
}
