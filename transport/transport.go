// Package transport implements the pluggable pub/sub fabric that moves
// typed records between data sources and data sinks. A transport is chosen
// by URL scheme (tcp, ipc, inproc, rtinproc, and the bonus nats scheme);
// each scheme's Server and Client implementation is looked up through a
// process-wide Registry keyed by scheme name, mirroring the
// TransportServer::factories / TransportClient::factories maps in the
// original C++ implementation.
package transport

import "context"

// Server is the publishing half of a transport: a component binds one or
// more endpoint URLs and publishes keyed records to whichever clients have
// subscribed.
type Server interface {
	// Bind provisions the server's endpoints, resolving any ephemeral
	// placeholders (tcp://*:XXXXX, inproc://name.XXXXX, ipc://path.XXXXX)
	// to concrete addresses. Bind may be called only once.
	Bind(ctx context.Context, urls []string) ([]string, error)

	// Publish sends data under key to every subscribed client.
	Publish(key string, data []byte) error

	// Close releases the server's endpoints and stops its dispatch loop.
	Close() error
}

// Client is the subscribing half of a transport: a component connects to
// one or more server endpoints (normally the AsConfigured URLs a Keymaster
// published) and receives keyed records it has subscribed to.
type Client interface {
	// Connect attaches to the given endpoint URLs.
	Connect(ctx context.Context, urls []string) error

	// Subscribe registers handler to be called with each record published
	// under key. An empty key subscribes to every key on the connection.
	Subscribe(key string, handler func(key string, data []byte)) error

	// Unsubscribe removes a prior subscription.
	Unsubscribe(key string) error

	// Close disconnects and stops the client's dispatch loop.
	Close() error
}

// ServerFactory constructs a new Server for a registered scheme.
type ServerFactory func(componentName, transportKey string) (Server, error)

// ClientFactory constructs a new Client for a registered scheme.
type ClientFactory func(componentName, transportKey string) (Client, error)
