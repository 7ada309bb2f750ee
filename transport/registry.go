package transport

import (
	"fmt"
	"sync"

	"github.com/ramoncreager/matrix/errors"
)

// Registry maps URL schemes to the factories that construct Server/Client
// implementations for them. A process normally uses the package-level
// DefaultRegistry; tests may construct their own to avoid cross-test
// interference from scheme registration.
type Registry struct {
	mu              sync.RWMutex
	serverFactories map[string]ServerFactory
	clientFactories map[string]ClientFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		serverFactories: make(map[string]ServerFactory),
		clientFactories: make(map[string]ClientFactory),
	}
}

// DefaultRegistry is the process-wide registry used by Keymaster and data
// source/sink components unless a caller supplies its own.
var DefaultRegistry = NewRegistry()

// RegisterServerFactory adds a server factory for scheme. It is an error to
// register the same scheme twice; last-writer-wins reuse of a standard
// scheme name silently orphans the earlier factory, which the original
// implementation warns against.
func (r *Registry) RegisterServerFactory(scheme string, f ServerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.serverFactories[scheme]; exists {
		return errors.WrapInvalid(errors.ErrSchemeAlreadyExists, "Registry", "RegisterServerFactory", scheme)
	}
	r.serverFactories[scheme] = f
	return nil
}

// RegisterClientFactory adds a client factory for scheme.
func (r *Registry) RegisterClientFactory(scheme string, f ClientFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clientFactories[scheme]; exists {
		return errors.WrapInvalid(errors.ErrSchemeAlreadyExists, "Registry", "RegisterClientFactory", scheme)
	}
	r.clientFactories[scheme] = f
	return nil
}

// NewServer constructs a Server for scheme, returning ErrSchemeNotRegistered
// if no factory is registered for it.
func (r *Registry) NewServer(scheme, componentName, transportKey string) (Server, error) {
	r.mu.RLock()
	f, ok := r.serverFactories[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrSchemeNotRegistered, "Registry", "NewServer", scheme)
	}
	return f(componentName, transportKey)
}

// NewClient constructs a Client for scheme, returning ErrSchemeNotRegistered
// if no factory is registered for it.
func (r *Registry) NewClient(scheme, componentName, transportKey string) (Client, error) {
	r.mu.RLock()
	f, ok := r.clientFactories[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrSchemeNotRegistered, "Registry", "NewClient", scheme)
	}
	return f(componentName, transportKey)
}

// Schemes returns the schemes that have a server factory registered, in no
// particular order, for use in error messages.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.serverFactories))
	for s := range r.serverFactories {
		out = append(out, s)
	}
	return out
}

func init() {
	must := func(err error) {
		if err != nil {
			panic(fmt.Sprintf("transport: default scheme registration failed: %v", err))
		}
	}
	must(DefaultRegistry.RegisterServerFactory("tcp", newSocketServer))
	must(DefaultRegistry.RegisterServerFactory("ipc", newSocketServer))
	must(DefaultRegistry.RegisterClientFactory("tcp", newSocketClient))
	must(DefaultRegistry.RegisterClientFactory("ipc", newSocketClient))

	must(DefaultRegistry.RegisterServerFactory("inproc", newInprocServer))
	must(DefaultRegistry.RegisterClientFactory("inproc", newInprocClient))

	must(DefaultRegistry.RegisterServerFactory("rtinproc", newRTInprocServer))
	must(DefaultRegistry.RegisterClientFactory("rtinproc", newRTInprocClient))

	must(DefaultRegistry.RegisterServerFactory("nats", newNATSServer))
	must(DefaultRegistry.RegisterClientFactory("nats", newNATSClient))
}
