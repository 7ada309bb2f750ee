// Package datasource implements the Data Source / Data Sink components
// (§4.G): thin generic wrappers over the transport layer that move typed
// records between components, sharing one underlying transport.Server or
// transport.Client per (component, transport key) pair via
// transport.Directory.
package datasource

import (
	"context"
	"sync"
	"time"

	"github.com/ramoncreager/matrix/errors"
	"github.com/ramoncreager/matrix/pkg/buffer"
	"github.com/ramoncreager/matrix/transport"
)

// Codec converts a record of type T to and from wire bytes. Callers
// typically supply one built on tree.Encode/tree.Decode, encoding/json, or
// databuffer's raw byte layout, depending on what the record type is.
type Codec[T any] struct {
	Marshal   func(T) ([]byte, error)
	Unmarshal func([]byte) (T, error)
}

// Source publishes records of type T under a single transport key,
// sharing its underlying transport.Server with any other Source/Sink in
// the same component that names the same transport key.
type Source[T any] struct {
	directory     *transport.Directory
	componentName string
	transportKey  string
	key           string
	codec         Codec[T]
	server        transport.Server
	urls          []string
}

// NewSource binds (or attaches to) the component's publish-side transport
// and returns a Source ready to publish records under key.
func NewSource[T any](ctx context.Context, directory *transport.Directory, componentName, transportKey, scheme string, urls []string, key string, codec Codec[T]) (*Source[T], error) {
	if directory == nil {
		directory = transport.DefaultDirectory
	}
	server, resolved, err := directory.GetServer(ctx, componentName, transportKey, scheme, urls)
	if err != nil {
		return nil, err
	}
	return &Source[T]{
		directory:     directory,
		componentName: componentName,
		transportKey:  transportKey,
		key:           key,
		codec:         codec,
		server:        server,
		urls:          resolved,
	}, nil
}

// URLs returns the Source's resolved (AsConfigured) endpoint URLs, for a
// Sink on the same or another component to connect to.
func (s *Source[T]) URLs() []string { return s.urls }

// Put encodes value and publishes it under the Source's key.
func (s *Source[T]) Put(value T) error {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "Source", "Put", s.key)
	}
	return s.server.Publish(s.key, data)
}

// Close releases the Source's reference to its shared transport.Server.
func (s *Source[T]) Close() error {
	s.directory.ReleaseServer(s.componentName, s.transportKey)
	return nil
}

// defaultQueueCapacity bounds a Sink's backing queue when the caller
// doesn't specify one.
const defaultQueueCapacity = 64

// Sink receives records of type T published under a single transport key,
// buffering them in a bounded queue with a configurable overflow policy
// (§4.F's delivery guarantee is about not missing a publication, not about
// the queue never dropping under sustained overflow).
type Sink[T any] struct {
	directory     *transport.Directory
	componentName string
	transportKey  string
	key           string
	codec         Codec[T]
	client        transport.Client

	queue  buffer.Buffer[T]
	notify chan struct{}

	latestMu sync.Mutex
	latest   T
	hasLatest bool
}

// SinkOption configures a Sink at construction.
type SinkOption[T any] func(*sinkConfig[T])

type sinkConfig[T any] struct {
	capacity int
	policy   buffer.OverflowPolicy
}

// WithCapacity sets the Sink's bounded queue capacity (default 64).
func WithCapacity[T any](capacity int) SinkOption[T] {
	return func(c *sinkConfig[T]) { c.capacity = capacity }
}

// WithOverflowPolicy sets the Sink's bounded queue overflow policy
// (default buffer.DropOldest).
func WithOverflowPolicy[T any](policy buffer.OverflowPolicy) SinkOption[T] {
	return func(c *sinkConfig[T]) { c.policy = policy }
}

// NewSink binds (or attaches to) the component's subscribe-side transport,
// subscribes to key, and returns a Sink ready for Get/GetLatest.
func NewSink[T any](ctx context.Context, directory *transport.Directory, componentName, transportKey, scheme string, urls []string, key string, codec Codec[T], opts ...SinkOption[T]) (*Sink[T], error) {
	if directory == nil {
		directory = transport.DefaultDirectory
	}
	cfg := sinkConfig[T]{capacity: defaultQueueCapacity, policy: buffer.DropOldest}
	for _, opt := range opts {
		opt(&cfg)
	}

	client, err := directory.GetClient(ctx, componentName, transportKey, scheme, urls)
	if err != nil {
		return nil, err
	}

	queue, err := buffer.NewCircularBuffer[T](cfg.capacity, buffer.WithOverflowPolicy[T](cfg.policy))
	if err != nil {
		directory.ReleaseClient(componentName, transportKey)
		return nil, err
	}

	s := &Sink[T]{
		directory:     directory,
		componentName: componentName,
		transportKey:  transportKey,
		key:           key,
		codec:         codec,
		client:        client,
		queue:         queue,
		notify:        make(chan struct{}, 1),
	}

	if err := client.Subscribe(key, s.onMessage); err != nil {
		directory.ReleaseClient(componentName, transportKey)
		return nil, err
	}
	return s, nil
}

func (s *Sink[T]) onMessage(_ string, data []byte) {
	value, err := s.codec.Unmarshal(data)
	if err != nil {
		return
	}

	s.latestMu.Lock()
	s.latest = value
	s.hasLatest = true
	s.latestMu.Unlock()

	_ = s.queue.Write(value)

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Get blocks until a record is available or timeout elapses, returning
// the oldest undelivered record in the queue (subject to the Sink's
// overflow policy).
func (s *Sink[T]) Get(timeout time.Duration) (T, error) {
	var zero T
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if v, ok := s.queue.Read(); ok {
			return v, nil
		}
		select {
		case <-s.notify:
			continue
		case <-deadline.C:
			return zero, errors.WrapTransient(errors.ErrConnectionTimeout, "Sink", "Get", s.key)
		}
	}
}

// GetLatest returns the most recently delivered record regardless of the
// queue's contents, blocking until at least one record has ever arrived
// or timeout elapses (§4.G's "select-only" variant).
func (s *Sink[T]) GetLatest(timeout time.Duration) (T, error) {
	s.latestMu.Lock()
	if s.hasLatest {
		v := s.latest
		s.latestMu.Unlock()
		return v, nil
	}
	s.latestMu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-s.notify:
		s.latestMu.Lock()
		v := s.latest
		s.latestMu.Unlock()
		return v, nil
	case <-deadline.C:
		var zero T
		return zero, errors.WrapTransient(errors.ErrConnectionTimeout, "Sink", "GetLatest", s.key)
	}
}

// Close unsubscribes and releases the Sink's reference to its shared
// transport.Client.
func (s *Sink[T]) Close() error {
	_ = s.client.Unsubscribe(s.key)
	s.directory.ReleaseClient(s.componentName, s.transportKey)
	return s.queue.Close()
}
