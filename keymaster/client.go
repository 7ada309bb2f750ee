package keymaster

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramoncreager/matrix/errors"
	"github.com/ramoncreager/matrix/pkg/retry"
	"github.com/ramoncreager/matrix/pkg/worker"
	"github.com/ramoncreager/matrix/transport"
	"github.com/ramoncreager/matrix/tree"
	"github.com/ramoncreager/matrix/wire"
)

// requestTimeout bounds every synchronous get/put/del round trip (§4.C).
const requestTimeout = 5 * time.Second

// putTask is the deferred-PUT dedup queue's unit of work: only the most
// recent put for a given key needs to actually go out if several land
// while the worker is still processing the previous one for that key.
type putTask struct {
	key    string
	value  []byte
	create bool
}

// Client is the Keymaster client (§4.C): synchronous get/put/del over a
// request/reply connection with a 5s timeout and a per-client lock (the
// connection is not safe for concurrent requests), plus a subscribe path
// that dispatches change notifications through a single-worker pool so
// callback order matches publish order.
type Client struct {
	requestURL string

	mu   sync.Mutex
	conn net.Conn

	subClient   transport.Client
	subscribeMu sync.Mutex
	callbacks   map[string]func(key string, value []byte)
	dispatchers map[string]*worker.Pool[dispatchItem]

	putMu      sync.Mutex
	pending    map[string]*putTask
	putWorker  *worker.Pool[putTask]
	putStarted bool
}

type dispatchItem struct {
	key   string
	value []byte
}

// NewClient dials requestURL, the Keymaster's AsConfigured state endpoint,
// and returns a Client ready for Get/Put/Del. The publish endpoint is not
// supplied here: Subscribe discovers it lazily on first use by querying the
// server itself (§4.C).
func NewClient(ctx context.Context, requestURL string) (*Client, error) {
	c := &Client{
		requestURL:  requestURL,
		callbacks:   make(map[string]func(key string, value []byte)),
		dispatchers: make(map[string]*worker.Pool[dispatchItem]),
		pending:     make(map[string]*putTask),
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) dial(ctx context.Context) error {
	scheme, err := transport.SchemeOf(c.requestURL)
	if err != nil {
		return err
	}

	var conn net.Conn
	switch scheme {
	case "tcp":
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", c.requestURL[len("tcp://"):])
	case "ipc":
		var d net.Dialer
		conn, err = d.DialContext(ctx, "unix", c.requestURL[len("ipc://"):])
	case "inproc", "rtinproc":
		conn, err = dialInprocRequest(c.requestURL)
	default:
		return errors.WrapInvalid(errors.ErrSchemeNotRegistered, "Client", "dial", scheme)
	}
	if err != nil {
		return errors.WrapTransient(err, "Client", "dial", c.requestURL)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// rebuild tears down and re-dials the request connection, used when a
// round trip fails mid-flight (§4.C's "request socket rebuild-on-error").
func (c *Client) rebuild(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	cfg := retry.DefaultConfig()
	return retry.Do(ctx, cfg, func() error { return c.dial(ctx) })
}

// roundTrip sends frames and returns the reply frames, rebuilding the
// connection and retrying once if the first attempt fails.
func (c *Client) roundTrip(frames [][]byte) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	reply, err := c.roundTripOnce(frames)
	if err == nil {
		return reply, nil
	}
	if rebuildErr := c.rebuild(ctx); rebuildErr != nil {
		return nil, errors.WrapTransient(err, "Client", "roundTrip", "rebuild failed: "+rebuildErr.Error())
	}
	return c.roundTripOnce(frames)
}

func (c *Client) roundTripOnce(frames [][]byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "roundTrip", "not connected")
	}
	c.conn.SetDeadline(time.Now().Add(requestTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := wire.WriteMessage(c.conn, frames); err != nil {
		return nil, errors.WrapTransient(err, "Client", "roundTrip", "write request")
	}
	reply, err := wire.ReadMessage(c.conn)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "roundTrip", "read reply")
	}
	return reply, nil
}

func replyError(reply [][]byte) error {
	if len(reply) < 2 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Client", "roundTrip", "malformed reply")
	}
	if reply[0][0] == statusError {
		return errors.WrapInvalid(errors.ErrInvalidData, "Client", "roundTrip", string(reply[1]))
	}
	return nil
}

// Ping checks request-socket connectivity.
func (c *Client) Ping() error {
	reply, err := c.roundTrip(buildRequest(opPing, "", nil, nil))
	if err != nil {
		return err
	}
	return replyError(reply)
}

// Get resolves key to its serialized node, §4.A semantics (Root returns
// the whole document).
func (c *Client) Get(key string) (tree.Node, error) {
	reply, err := c.roundTrip(buildRequest(opGet, key, nil, nil))
	if err != nil {
		return nil, err
	}
	if err := replyError(reply); err != nil {
		return nil, err
	}
	return tree.Decode(reply[1])
}

// GetAs decodes a scalar at key and parses it as T via parse.
func GetAs[T any](c *Client, key string, parse func(string) (T, error)) (T, error) {
	var zero T
	n, err := c.Get(key)
	if err != nil {
		return zero, err
	}
	scalar, ok := n.(*tree.Scalar)
	if !ok {
		return zero, errors.WrapInvalid(errors.ErrWrongNodeKind, "Client", "GetAs", key)
	}
	return parse(scalar.Value)
}

// Put installs value at key synchronously, materializing missing
// intermediate mappings when create is true.
func (c *Client) Put(key string, value tree.Node, create bool) error {
	encoded, err := tree.Encode(value)
	if err != nil {
		return err
	}
	reply, err := c.roundTrip(buildRequest(opPut, key, encoded, &create))
	if err != nil {
		return err
	}
	return replyError(reply)
}

// PutNB queues a deferred, deduplicated PUT (§4.C): if a PUT for the same
// key is already queued and not yet sent, its value is overwritten rather
// than sending both, since only the most recent value matters to the
// Keymaster's tree. The dedup worker runs with exactly one worker so
// queued PUTs are still applied in per-key-arrival order.
func (c *Client) PutNB(key string, value tree.Node, create bool) error {
	encoded, err := tree.Encode(value)
	if err != nil {
		return err
	}

	c.putMu.Lock()
	if !c.putStarted {
		c.putWorker = worker.NewPool[putTask](1, 256, func(ctx context.Context, t putTask) error {
			c.putMu.Lock()
			if latest, ok := c.pending[t.key]; ok {
				t = *latest
				delete(c.pending, t.key)
			}
			c.putMu.Unlock()
			return c.Put(t.key, mustDecode(t.value), t.create)
		})
		if err := c.putWorker.Start(context.Background()); err != nil {
			c.putMu.Unlock()
			return err
		}
		c.putStarted = true
	}
	if _, queued := c.pending[key]; queued {
		c.pending[key] = &putTask{key: key, value: encoded, create: create}
		c.putMu.Unlock()
		return nil
	}
	task := &putTask{key: key, value: encoded, create: create}
	c.pending[key] = task
	c.putMu.Unlock()

	return c.putWorker.Submit(*task)
}

func mustDecode(b []byte) tree.Node {
	n, err := tree.Decode(b)
	if err != nil {
		return tree.NewScalar("")
	}
	return n
}

// Del removes key synchronously.
func (c *Client) Del(key string) error {
	reply, err := c.roundTrip(buildRequest(opDel, key, nil, nil))
	if err != nil {
		return err
	}
	return replyError(reply)
}

// discoverPublishURL implements the (a)-(b) steps of §4.C's subscribe path:
// it asks the server for its AsConfigured publish endpoints and picks the
// one whose transport matches this client's own request connection
// (mirroring the original's same_transport_p), since a client can only
// speak the transport it already dialed for requests.
func (c *Client) discoverPublishURL() (string, error) {
	n, err := c.Get("Keymaster.URLS.AsConfigured.Pub")
	if err != nil {
		return "", err
	}
	seq, ok := n.(*tree.Sequence)
	if !ok {
		return "", errors.WrapInvalid(errors.ErrWrongNodeKind, "Client", "discoverPublishURL", "Keymaster.URLS.AsConfigured.Pub")
	}
	wantScheme, err := transport.SchemeOf(c.requestURL)
	if err != nil {
		return "", err
	}
	for _, item := range seq.Items {
		scalar, ok := item.(*tree.Scalar)
		if !ok {
			continue
		}
		scheme, err := transport.SchemeOf(scalar.Value)
		if err != nil {
			continue
		}
		if scheme == wantScheme {
			return scalar.Value, nil
		}
	}
	return "", errors.WrapInvalid(errors.ErrNoConnection, "Client", "discoverPublishURL", "no Pub endpoint matches transport "+wantScheme)
}

// Subscribe registers handler to be called whenever key (or any descendant
// of key) changes, connecting the publish socket lazily on first
// subscription by self-discovering the server's matching-transport publish
// endpoint (§4.C). Each key gets its own single-worker dispatch pool so a
// slow callback on one key cannot delay notifications for another.
func (c *Client) Subscribe(key string, handler func(key string, value []byte)) error {
	c.subscribeMu.Lock()
	defer c.subscribeMu.Unlock()

	if c.subClient == nil {
		pubURL, err := c.discoverPublishURL()
		if err != nil {
			return err
		}
		scheme, err := transport.SchemeOf(pubURL)
		if err != nil {
			return err
		}
		sc, err := transport.DefaultRegistry.NewClient(scheme, "Keymaster", "subscribe")
		if err != nil {
			return err
		}
		if err := sc.Connect(context.Background(), []string{pubURL}); err != nil {
			return err
		}
		c.subClient = sc
	}

	pool := worker.NewPool[dispatchItem](1, 64, func(ctx context.Context, item dispatchItem) error {
		handler(item.key, item.value)
		return nil
	})
	if err := pool.Start(context.Background()); err != nil {
		return err
	}
	c.dispatchers[key] = pool
	c.callbacks[key] = handler

	return c.subClient.Subscribe(key, func(k string, data []byte) {
		fullKey, value, err := decodeChangeEnvelope(data)
		if err != nil {
			// HeartbeatKey carries a bare timestamp, not a change envelope.
			fullKey, value = k, data
		}
		_ = pool.Submit(dispatchItem{key: fullKey, value: value})
	})
}

// Unsubscribe removes a prior subscription and stops its dispatch worker.
func (c *Client) Unsubscribe(key string) error {
	c.subscribeMu.Lock()
	defer c.subscribeMu.Unlock()

	delete(c.callbacks, key)
	if pool, ok := c.dispatchers[key]; ok {
		pool.Stop(time.Second)
		delete(c.dispatchers, key)
	}
	if c.subClient != nil {
		return c.subClient.Unsubscribe(key)
	}
	return nil
}

// RPC performs a request/reply exchange over the tree itself: it PUTs args
// at a temporary, UUID-scoped key, subscribes for the response the remote
// end is expected to PUT back under a reply key derived from the same
// UUID, waits up to timeout, then cleans up both keys.
func (c *Client) RPC(namespace string, args tree.Node, timeout time.Duration) (tree.Node, error) {
	id := uuid.NewString()
	callKey := namespace + ".rpc." + id + ".call"
	replyKey := namespace + ".rpc." + id + ".reply"

	result := make(chan tree.Node, 1)
	errCh := make(chan error, 1)

	if err := c.Subscribe(replyKey, func(_ string, value []byte) {
		n, err := tree.Decode(value)
		if err != nil {
			errCh <- err
			return
		}
		result <- n
	}); err != nil {
		return nil, err
	}
	defer c.Unsubscribe(replyKey)
	defer c.Del(callKey)
	defer c.Del(replyKey)

	if err := c.Put(callKey, args, true); err != nil {
		return nil, err
	}

	select {
	case n := <-result:
		return n, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(timeout):
		return nil, errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "RPC", fmt.Sprintf("no reply for %s within %s", callKey, timeout))
	}
}

// Close shuts down the request connection, any subscribe connection, and
// every dispatch/put worker pool.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.subscribeMu.Lock()
	for _, pool := range c.dispatchers {
		pool.Stop(time.Second)
	}
	if c.subClient != nil {
		c.subClient.Close()
	}
	c.subscribeMu.Unlock()

	c.putMu.Lock()
	if c.putStarted {
		c.putWorker.Stop(time.Second)
	}
	c.putMu.Unlock()

	return nil
}

// parseIntScalar is a convenience parse func for GetAs[int].
func parseIntScalar(s string) (int, error) {
	return strconv.Atoi(s)
}
