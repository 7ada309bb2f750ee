package transport

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ramoncreager/matrix/errors"
	"github.com/ramoncreager/matrix/wire"
)

// Compile-time interface checks.
var (
	_ Server = (*socketServer)(nil)
	_ Client = (*socketClient)(nil)
)

// socketServer implements the tcp and ipc transport schemes: each bound
// endpoint is a net.Listener (net.Listen("tcp", ...) or net.Listen("unix",
// ...)), and every accepted connection is fanned out publish messages as
// two-frame (key, data) messages via wire.WriteMessage. One goroutine per
// listener accepts connections; Publish writes to each connection in turn
// on the caller's goroutine.
type socketServer struct {
	componentName string
	transportKey  string

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
}

func newSocketServer(componentName, transportKey string) (Server, error) {
	return &socketServer{
		componentName: componentName,
		transportKey:  transportKey,
		conns:         make(map[net.Conn]struct{}),
	}, nil
}

func (s *socketServer) Bind(ctx context.Context, urls []string) ([]string, error) {
	resolved := make([]string, len(urls))
	g, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for i, specified := range urls {
		i, specified := i, specified
		g.Go(func() error {
			asConfigured, err := ResolveServerURL(specified)
			if err != nil {
				return err
			}
			scheme, network, address, err := schemeNetworkAddress(asConfigured)
			if err != nil {
				return err
			}
			l, err := net.Listen(network, address)
			if err != nil {
				return errors.WrapTransient(err, "socketServer", "Bind", scheme+" listen")
			}
			mu.Lock()
			s.mu.Lock()
			s.listeners = append(s.listeners, l)
			s.mu.Unlock()
			resolved[i] = rewriteBoundPort(asConfigured, l)
			mu.Unlock()
			go s.accept(l)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.Close()
		return nil, errors.WrapFatal(errors.ErrBindFailed, "socketServer", "Bind", err.Error())
	}
	return resolved, nil
}

func (s *socketServer) accept(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
	}
}

func (s *socketServer) Publish(key string, data []byte) error {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := wire.WriteMessage(c, [][]byte{[]byte(key), data}); err != nil {
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			c.Close()
		}
	}
	return nil
}

func (s *socketServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, l := range s.listeners {
		l.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.conns = nil
	return nil
}

// socketClient implements the tcp and ipc transport client: it dials every
// endpoint URL and runs one dispatch goroutine per connection, delivering
// each received (key, data) message to the handler subscribed to that key,
// or, if there is none, to the handler subscribed to all keys (empty key).
type socketClient struct {
	componentName string
	transportKey  string

	mu       sync.Mutex
	conns    []net.Conn
	handlers map[string]func(key string, data []byte)
	closed   bool
}

func newSocketClient(componentName, transportKey string) (Client, error) {
	return &socketClient{
		componentName: componentName,
		transportKey:  transportKey,
		handlers:      make(map[string]func(key string, data []byte)),
	}, nil
}

func (c *socketClient) Connect(ctx context.Context, urls []string) error {
	for _, u := range urls {
		_, network, address, err := schemeNetworkAddress(u)
		if err != nil {
			return err
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return errors.WrapTransient(err, "socketClient", "Connect", u)
		}
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()
		go c.dispatch(conn)
	}
	return nil
}

func (c *socketClient) dispatch(conn net.Conn) {
	for {
		frames, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		if len(frames) != 2 {
			continue
		}
		key, data := string(frames[0]), frames[1]

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
}

func (c *socketClient) Subscribe(key string, handler func(key string, data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[key] = handler
	return nil
}

func (c *socketClient) Unsubscribe(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, key)
	return nil
}

func (c *socketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, conn := range c.conns {
		conn.Close()
	}
	return nil
}

// schemeNetworkAddress maps a tcp/ipc URL to the (network, address) pair
// net.Listen/net.Dial expect: tcp URLs pass their host:port straight
// through, ipc URLs use the "unix" network with the URL path as the socket
// path.
func schemeNetworkAddress(rawurl string) (scheme, network, address string, err error) {
	scheme, err = SchemeOf(rawurl)
	if err != nil {
		return "", "", "", err
	}
	switch scheme {
	case "tcp":
		host := rawurl[len("tcp://"):]
		return scheme, "tcp", host, nil
	case "ipc":
		path := rawurl[len("ipc://"):]
		return scheme, "unix", path, nil
	default:
		return "", "", "", errors.WrapInvalid(errors.ErrSchemeNotRegistered, "transport", "schemeNetworkAddress", scheme)
	}
}

// rewriteBoundPort replaces a tcp URL's port with the one the OS actually
// bound, covering the case where ResolveServerURL picked a throwaway
// ephemeral port that raced with another process between the probe and the
// real net.Listen call.
func rewriteBoundPort(asConfigured string, l net.Listener) string {
	scheme, err := SchemeOf(asConfigured)
	if err != nil || scheme != "tcp" {
		return asConfigured
	}
	tcpAddr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return asConfigured
	}
	host := asConfigured[len("tcp://"):]
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return "tcp://" + host + ":" + strconv.Itoa(tcpAddr.Port)
}
