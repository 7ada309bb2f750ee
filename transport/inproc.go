package transport

import (
	"context"
	"sync"

	"github.com/ramoncreager/matrix/errors"
)

// inprocHub is the process-wide registry of inproc endpoints: a name
// (the resolved inproc:// URL) maps to the set of client handler sets
// currently subscribed to it. Publish fans a copy of the message out to
// every subscriber synchronously from the publisher's goroutine, since
// within a process there is no serialization cost to avoid.
var inprocHub = struct {
	mu        sync.Mutex
	endpoints map[string]*inprocEndpoint
}{endpoints: make(map[string]*inprocEndpoint)}

type inprocEndpoint struct {
	mu      sync.Mutex
	clients map[*inprocClient]struct{}
}

func getOrCreateInprocEndpoint(name string) *inprocEndpoint {
	inprocHub.mu.Lock()
	defer inprocHub.mu.Unlock()
	ep, ok := inprocHub.endpoints[name]
	if !ok {
		ep = &inprocEndpoint{clients: make(map[*inprocClient]struct{})}
		inprocHub.endpoints[name] = ep
	}
	return ep
}

// Compile-time interface checks.
var (
	_ Server = (*inprocServer)(nil)
	_ Client = (*inprocClient)(nil)
)

// inprocServer implements the inproc transport scheme: a direct, in-memory
// fanout between goroutines of the same process, keyed by resolved
// endpoint name rather than a real socket.
type inprocServer struct {
	endpoints []*inprocEndpoint
	names     []string
	closed    bool
	mu        sync.Mutex
}

func newInprocServer(componentName, transportKey string) (Server, error) {
	return &inprocServer{}, nil
}

func (s *inprocServer) Bind(ctx context.Context, urls []string) ([]string, error) {
	resolved := make([]string, len(urls))
	for i, specified := range urls {
		name, err := ResolveServerURL(specified)
		if err != nil {
			return nil, err
		}
		resolved[i] = name
		s.names = append(s.names, name)
		s.endpoints = append(s.endpoints, getOrCreateInprocEndpoint(name))
	}
	return resolved, nil
}

func (s *inprocServer) Publish(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WrapInvalid(errors.ErrTransportClosed, "inprocServer", "Publish", key)
	}
	for _, ep := range s.endpoints {
		ep.mu.Lock()
		for c := range ep.clients {
			c.deliver(key, data)
		}
		ep.mu.Unlock()
	}
	return nil
}

func (s *inprocServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	inprocHub.mu.Lock()
	for _, name := range s.names {
		delete(inprocHub.endpoints, name)
	}
	inprocHub.mu.Unlock()
	return nil
}

// inprocClient subscribes to one or more inproc endpoints within the same
// process.
type inprocClient struct {
	mu        sync.Mutex
	endpoints []*inprocEndpoint
	handlers  map[string]func(key string, data []byte)
	closed    bool
}

func newInprocClient(componentName, transportKey string) (Client, error) {
	return &inprocClient{handlers: make(map[string]func(key string, data []byte))}, nil
}

func (c *inprocClient) Connect(ctx context.Context, urls []string) error {
	for _, u := range urls {
		ep := getOrCreateInprocEndpoint(u)
		ep.mu.Lock()
		ep.clients[c] = struct{}{}
		ep.mu.Unlock()
		c.endpoints = append(c.endpoints, ep)
	}
	return nil
}

func (c *inprocClient) deliver(key string, data []byte) {
	c.mu.Lock()
	handler, ok := c.handlers[key]
	if !ok {
		handler, ok = c.handlers[""]
	}
	c.mu.Unlock()
	if ok {
		handler(key, data)
	}
}

func (c *inprocClient) Subscribe(key string, handler func(key string, data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[key] = handler
	return nil
}

func (c *inprocClient) Unsubscribe(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, key)
	return nil
}

func (c *inprocClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	endpoints := c.endpoints
	c.mu.Unlock()

	for _, ep := range endpoints {
		ep.mu.Lock()
		delete(ep.clients, c)
		ep.mu.Unlock()
	}
	return nil
}
