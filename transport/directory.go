package transport

import (
	"context"
	"sync"
)

// Directory is a reference-counted cache of bound Server/Client instances,
// keyed by component name and transport key. Multiple data sources/sinks
// within the same component that name the same transport key share one
// underlying Server or Client; the last releaser closes it. This mirrors
// the original implementation's static transport_map_t kept alongside
// TransportServer::get_transport/release_transport.
type Directory struct {
	registry *Registry

	mu      sync.Mutex
	servers map[string]*serverEntry
	clients map[string]*clientEntry
}

type serverEntry struct {
	server Server
	urls   []string
	refs   int
}

type clientEntry struct {
	client Client
	refs   int
}

// NewDirectory returns a Directory backed by registry.
func NewDirectory(registry *Registry) *Directory {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Directory{
		registry: registry,
		servers:  make(map[string]*serverEntry),
		clients:  make(map[string]*clientEntry),
	}
}

// DefaultDirectory is the process-wide directory used unless a caller
// supplies its own, mirroring DefaultRegistry.
var DefaultDirectory = NewDirectory(DefaultRegistry)

func directoryKey(componentName, transportKey string) string {
	return componentName + "\x00" + transportKey
}

// GetServer returns the shared Server for (componentName, transportKey),
// binding it on first use with scheme and urls (the component's configured
// Specified/AsConfigured endpoint list) and incrementing its reference
// count on every call. The caller must call ReleaseServer exactly once per
// successful GetServer call.
func (d *Directory) GetServer(ctx context.Context, componentName, transportKey, scheme string, urls []string) (Server, []string, error) {
	key := directoryKey(componentName, transportKey)

	d.mu.Lock()
	if e, ok := d.servers[key]; ok {
		e.refs++
		d.mu.Unlock()
		return e.server, e.urls, nil
	}
	d.mu.Unlock()

	s, err := d.registry.NewServer(scheme, componentName, transportKey)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := s.Bind(ctx, urls)
	if err != nil {
		return nil, nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.servers[key]; ok {
		// Lost a race with a concurrent GetServer for the same key: keep
		// the winner's instance, discard ours.
		e.refs++
		s.Close()
		return e.server, e.urls, nil
	}
	d.servers[key] = &serverEntry{server: s, urls: resolved, refs: 1}
	return s, resolved, nil
}

// ReleaseServer decrements the reference count for (componentName,
// transportKey), closing and evicting the Server once it reaches zero.
func (d *Directory) ReleaseServer(componentName, transportKey string) {
	key := directoryKey(componentName, transportKey)

	d.mu.Lock()
	e, ok := d.servers[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.servers, key)
	d.mu.Unlock()

	e.server.Close()
}

// GetClient returns the shared Client for (componentName, transportKey),
// connecting it on first use. The caller must call ReleaseClient exactly
// once per successful GetClient call.
func (d *Directory) GetClient(ctx context.Context, componentName, transportKey, scheme string, urls []string) (Client, error) {
	key := directoryKey(componentName, transportKey)

	d.mu.Lock()
	if e, ok := d.clients[key]; ok {
		e.refs++
		d.mu.Unlock()
		return e.client, nil
	}
	d.mu.Unlock()

	c, err := d.registry.NewClient(scheme, componentName, transportKey)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx, urls); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.clients[key]; ok {
		e.refs++
		c.Close()
		return e.client, nil
	}
	d.clients[key] = &clientEntry{client: c, refs: 1}
	return c, nil
}

// ReleaseClient decrements the reference count for (componentName,
// transportKey), closing and evicting the Client once it reaches zero.
func (d *Directory) ReleaseClient(componentName, transportKey string) {
	key := directoryKey(componentName, transportKey)

	d.mu.Lock()
	e, ok := d.clients[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.clients, key)
	d.mu.Unlock()

	e.client.Close()
}
