package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/ramoncreager/matrix/errors"
	"github.com/ramoncreager/matrix/natsclient"
)

// Compile-time interface checks.
var (
	_ Server = (*natsServer)(nil)
	_ Client = (*natsClient)(nil)
)

// natsServer implements the bonus nats transport scheme, wrapping a
// circuit-breaking natsclient.Client. A publish is just a subject publish on
// the underlying NATS connection; the broker does the fanout, so (unlike
// tcp/ipc) this server holds no per-subscriber connection state.
type natsServer struct {
	componentName string
	transportKey  string

	mu      sync.Mutex
	clients []*natsclient.Client
}

func newNATSServer(componentName, transportKey string) (Server, error) {
	return &natsServer{componentName: componentName, transportKey: transportKey}, nil
}

func (s *natsServer) Bind(ctx context.Context, urls []string) ([]string, error) {
	resolved := make([]string, len(urls))
	for i, u := range urls {
		c, err := natsclient.NewClient(u, natsclient.WithName(s.componentName+"."+s.transportKey))
		if err != nil {
			return nil, errors.WrapFatal(err, "natsServer", "Bind", u)
		}
		if err := c.Connect(ctx); err != nil {
			return nil, errors.WrapTransient(err, "natsServer", "Bind", "connect "+u)
		}
		s.mu.Lock()
		s.clients = append(s.clients, c)
		s.mu.Unlock()
		resolved[i] = u
	}
	return resolved, nil
}

func (s *natsServer) Publish(key string, data []byte) error {
	s.mu.Lock()
	clients := append([]*natsclient.Client(nil), s.clients...)
	s.mu.Unlock()

	subject := subjectForKey(key)
	var firstErr error
	for _, c := range clients {
		if err := c.Publish(context.Background(), subject, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *natsServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.Close(context.Background())
	}
	s.clients = nil
	return nil
}

// natsClient implements the bonus nats transport scheme's subscribing half.
type natsClient struct {
	componentName string
	transportKey  string

	mu       sync.Mutex
	conns    []*natsclient.Client
	handlers map[string]func(key string, data []byte)
}

func newNATSClient(componentName, transportKey string) (Client, error) {
	return &natsClient{
		componentName: componentName,
		transportKey:  transportKey,
		handlers:      make(map[string]func(key string, data []byte)),
	}, nil
}

func (c *natsClient) Connect(ctx context.Context, urls []string) error {
	for _, u := range urls {
		conn, err := natsclient.NewClient(u, natsclient.WithName(c.componentName+"."+c.transportKey))
		if err != nil {
			return errors.WrapFatal(err, "natsClient", "Connect", u)
		}
		if err := conn.Connect(ctx); err != nil {
			return errors.WrapTransient(err, "natsClient", "Connect", "connect "+u)
		}
		if err := conn.Subscribe(ctx, "matrix.>", c.onMessage); err != nil {
			return errors.WrapTransient(err, "natsClient", "Connect", "subscribe "+u)
		}
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()
	}
	return nil
}

func (c *natsClient) onMessage(ctx context.Context, data []byte) {
	// The subject isn't threaded through natsclient's handler signature, so
	// delivery falls back to the wildcard handler; callers wanting
	// key-specific routing on a nats transport subscribe with key="".
	c.mu.Lock()
	handler, ok := c.handlers[""]
	c.mu.Unlock()
	if ok {
		handler("", data)
	}
}

func (c *natsClient) Subscribe(key string, handler func(key string, data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[key] = handler
	return nil
}

func (c *natsClient) Unsubscribe(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, key)
	return nil
}

func (c *natsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close(context.Background())
	}
	c.conns = nil
	return nil
}

// subjectForKey maps a dotted keychain key to a NATS subject, prefixed to
// keep this module's traffic out of any other subject namespace sharing the
// same broker.
func subjectForKey(key string) string {
	if key == "" {
		return "matrix"
	}
	return "matrix." + strings.ReplaceAll(key, "..", ".")
}
