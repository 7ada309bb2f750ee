package transport

import (
	"context"
	"sync"

	"github.com/ramoncreager/matrix/errors"
)

// rtRecord is one (key, data) delivery queued for an rtinproc subscriber.
type rtRecord struct {
	key  string
	data []byte
}

// rtQueueCapacity bounds each rtinproc subscriber's queue. Real-time
// in-process transport exists to skip serialization and socket overhead
// for same-process producer/consumer pairs on the control loop's hot path,
// so the queue only needs to smooth over brief scheduling delays, not
// absorb sustained backpressure.
const rtQueueCapacity = 4

var rtinprocHub = struct {
	mu        sync.Mutex
	endpoints map[string]*rtEndpoint
}{endpoints: make(map[string]*rtEndpoint)}

type rtEndpoint struct {
	mu      sync.Mutex
	clients map[*rtInprocClient]struct{}
}

func getOrCreateRTEndpoint(name string) *rtEndpoint {
	rtinprocHub.mu.Lock()
	defer rtinprocHub.mu.Unlock()
	ep, ok := rtinprocHub.endpoints[name]
	if !ok {
		ep = &rtEndpoint{clients: make(map[*rtInprocClient]struct{})}
		rtinprocHub.endpoints[name] = ep
	}
	return ep
}

// Compile-time interface checks.
var (
	_ Server = (*rtInprocServer)(nil)
	_ Client = (*rtInprocClient)(nil)
)

// rtInprocServer implements the rtinproc scheme: Publish calls straight
// into each subscribed client's bounded queue on the publisher's own
// goroutine, with no intervening serialization or socket hop.
type rtInprocServer struct {
	mu        sync.Mutex
	names     []string
	endpoints []*rtEndpoint
	closed    bool
}

func newRTInprocServer(componentName, transportKey string) (Server, error) {
	return &rtInprocServer{}, nil
}

func (s *rtInprocServer) Bind(ctx context.Context, urls []string) ([]string, error) {
	resolved := make([]string, len(urls))
	for i, specified := range urls {
		name, err := ResolveServerURL(specified)
		if err != nil {
			return nil, err
		}
		resolved[i] = name
		s.names = append(s.names, name)
		s.endpoints = append(s.endpoints, getOrCreateRTEndpoint(name))
	}
	return resolved, nil
}

func (s *rtInprocServer) Publish(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WrapInvalid(errors.ErrTransportClosed, "rtInprocServer", "Publish", key)
	}
	for _, ep := range s.endpoints {
		ep.mu.Lock()
		for c := range ep.clients {
			c.deliver(rtRecord{key: key, data: data})
		}
		ep.mu.Unlock()
	}
	return nil
}

func (s *rtInprocServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	rtinprocHub.mu.Lock()
	for _, name := range s.names {
		delete(rtinprocHub.endpoints, name)
	}
	rtinprocHub.mu.Unlock()
	return nil
}

// rtInprocClient subscribes to one or more rtinproc endpoints. Delivery
// happens synchronously on the producer's goroutine, which calls deliver
// straight into queue; a single drainer goroutine blocks on queue and
// invokes the registered handler, so a slow consumer never stalls the
// producer's call to Publish.
type rtInprocClient struct {
	mu        sync.Mutex
	endpoints []*rtEndpoint
	handlers  map[string]func(key string, data []byte)
	queue     chan rtRecord
	done      chan struct{}
	closed    bool
}

func newRTInprocClient(componentName, transportKey string) (Client, error) {
	c := &rtInprocClient{
		handlers: make(map[string]func(key string, data []byte)),
		queue:    make(chan rtRecord, rtQueueCapacity),
		done:     make(chan struct{}),
	}
	go c.drain()
	return c, nil
}

// deliver enqueues rec without blocking the publisher: if the consumer's
// queue is full, the oldest queued record is dropped to make room, mirroring
// the DropOldest overflow policy used elsewhere in this module.
func (c *rtInprocClient) deliver(rec rtRecord) {
	for {
		select {
		case c.queue <- rec:
			return
		default:
		}
		select {
		case <-c.queue:
		default:
		}
	}
}

func (c *rtInprocClient) drain() {
	for {
		select {
		case <-c.done:
			return
		case rec := <-c.queue:
			c.mu.Lock()
			handler, ok := c.handlers[rec.key]
			if !ok {
				handler, ok = c.handlers[""]
			}
			c.mu.Unlock()
			if ok {
				handler(rec.key, rec.data)
			}
		}
	}
}

func (c *rtInprocClient) Connect(ctx context.Context, urls []string) error {
	for _, u := range urls {
		ep := getOrCreateRTEndpoint(u)
		ep.mu.Lock()
		ep.clients[c] = struct{}{}
		ep.mu.Unlock()
		c.endpoints = append(c.endpoints, ep)
	}
	return nil
}

func (c *rtInprocClient) Subscribe(key string, handler func(key string, data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[key] = handler
	return nil
}

func (c *rtInprocClient) Unsubscribe(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, key)
	return nil
}

func (c *rtInprocClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	endpoints := c.endpoints
	c.mu.Unlock()

	close(c.done)
	for _, ep := range endpoints {
		ep.mu.Lock()
		delete(ep.clients, c)
		ep.mu.Unlock()
	}
	return nil
}
