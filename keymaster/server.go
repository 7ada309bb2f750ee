// Package keymaster implements the hierarchical configuration/state tree
// service described in §4.A-§4.C: a Server exposing get/put/del over a
// request/reply socket plus change-notification fanout over a publish
// socket, and a Client providing synchronous access plus subscriptions.
package keymaster

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ramoncreager/matrix/errors"
	"github.com/ramoncreager/matrix/health"
	"github.com/ramoncreager/matrix/metric"
	"github.com/ramoncreager/matrix/pkg/timestamp"
	"github.com/ramoncreager/matrix/transport"
	"github.com/ramoncreager/matrix/tree"
	"github.com/ramoncreager/matrix/wire"
)

// State is the Keymaster server's lifecycle state (§4.B).
type State int32

const (
	StateInit State = iota
	StateBound
	StateRunning
	StateTerminating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateBound:
		return "Bound"
	case StateRunning:
		return "Running"
	case StateTerminating:
		return "Terminating"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// HeartbeatKey is the keychain the heartbeat task publishes under every
// second.
const HeartbeatKey = "Keymaster.heartbeat"

// rootWireKey is the wire-level alias for the empty (whole-tree) keychain,
// used by GET/PUT/DEL requests and by the root's publish topic and embedded
// change-envelope key. The Keychain type itself always models the root as
// the empty string; the alias only exists at this protocol boundary.
const rootWireKey = "Root"

// publisherGrace is how long Start waits, after Bind has opened the publish
// endpoints, before it begins accepting requests, giving early subscribers a
// chance to connect before the first change notifications go out (§9).
const publisherGrace = 2 * time.Second

// defaultCloneInterval bounds the tree's memory growth by periodically
// deep-cloning it and dropping the original (§9).
const defaultCloneInterval = 10 * time.Minute

// inprocSynthesisWidth is the number of random characters generated for an
// auto-synthesized inproc state endpoint, matching setup_urls()'s
// gen_random_string(20).
const inprocSynthesisWidth = 20

type reqItem struct {
	frames [][]byte
	reply  chan [][]byte
}

type pubItem struct {
	keychain tree.Keychain
	payload  []byte
}

// Server is the Keymaster service: one configuration tree, a request task,
// a publish task, and a heartbeat task, communicating only through channels
// (§4.B).
type Server struct {
	state atomic.Int32

	mu   sync.Mutex
	tree *tree.Tree

	requestListeners []net.Listener
	publishServers   []transport.Server

	reqChan chan reqItem
	pubChan chan pubItem

	cloneInterval time.Duration

	health  *health.Monitor
	metrics *metric.Metrics

	startedAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithCloneInterval overrides the default tree re-root interval.
func WithCloneInterval(d time.Duration) Option {
	return func(s *Server) { s.cloneInterval = d }
}

// WithHealthMonitor attaches a shared health.Monitor the server's tasks
// report status into.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(s *Server) { s.health = m }
}

// WithMetrics attaches a metric.Metrics instance the server's tasks record
// counters/gauges into.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer returns a Server seeded from doc (typically loaded via
// tree.LoadYAML).
func NewServer(doc *tree.Tree, opts ...Option) *Server {
	if doc == nil {
		doc = tree.New()
	}
	s := &Server{
		tree:          doc,
		reqChan:       make(chan reqItem, 64),
		pubChan:       make(chan pubItem, 256),
		cloneInterval: defaultCloneInterval,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) setState(v State) { s.state.Store(int32(v)) }

// State returns the server's current lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// Bind provisions one request/reply listener per entry of initialURLs, each
// on whichever transport scheme that entry names, and derives one publish
// endpoint per entry (§4.B, mirroring the original setup_urls()): a tcp
// entry's publish endpoint is the same host on port+1; an ipc/inproc
// entry's is the same name with ".publisher" appended. If no entry names
// the inproc scheme, one is synthesized and appended to the state list so
// the heartbeat task always has a low-latency, same-process path.
//
// The resolved state and publish URL lists are written back into the tree
// at Keymaster.URLS.AsConfigured.State and .Pub.
func (s *Server) Bind(ctx context.Context, initialURLs []string) (asConfiguredState, asConfiguredPub []string, err error) {
	if s.State() != StateInit {
		return nil, nil, errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Bind", "not in Init state")
	}
	if len(initialURLs) == 0 {
		return nil, nil, errors.WrapInvalid(errors.ErrMixedTransportScheme, "Server", "Bind", "no endpoints specified")
	}

	stateURLs := append([]string(nil), initialURLs...)
	if !anyInprocScheme(stateURLs) {
		stateURLs = append(stateURLs, "inproc://"+strings.Repeat("X", inprocSynthesisWidth))
	}

	asConfiguredState = make([]string, len(stateURLs))
	pubURLs := make([]string, len(stateURLs))
	var listeners []net.Listener

	for i, u := range stateURLs {
		scheme, serr := transport.SchemeOf(u)
		if serr != nil {
			closeListeners(listeners)
			return nil, nil, serr
		}
		resolved, rerr := transport.ResolveServerURL(u)
		if rerr != nil {
			closeListeners(listeners)
			return nil, nil, rerr
		}
		l, lerr := listenRequestSocket(scheme, resolved)
		if lerr != nil {
			closeListeners(listeners)
			return nil, nil, errors.WrapFatal(lerr, "Server", "Bind", "request listener "+resolved)
		}
		resolved = rewriteBoundRequestPort(scheme, resolved, l)
		listeners = append(listeners, l)
		asConfiguredState[i] = resolved

		pubURL, derr := derivePublishURL(scheme, resolved)
		if derr != nil {
			closeListeners(listeners)
			return nil, nil, derr
		}
		pubURLs[i] = pubURL
	}
	s.requestListeners = listeners

	pubServers := make([]transport.Server, len(pubURLs))
	asConfiguredPub = make([]string, len(pubURLs))
	var boundPubServers []transport.Server
	for i, u := range pubURLs {
		scheme, serr := transport.SchemeOf(u)
		if serr != nil {
			closeListeners(listeners)
			closeServers(boundPubServers)
			return nil, nil, serr
		}
		srv, nerr := transport.DefaultRegistry.NewServer(scheme, "Keymaster", "publish")
		if nerr != nil {
			closeListeners(listeners)
			closeServers(boundPubServers)
			return nil, nil, nerr
		}
		resolved, berr := srv.Bind(ctx, []string{u})
		if berr != nil {
			closeListeners(listeners)
			closeServers(boundPubServers)
			return nil, nil, berr
		}
		boundPubServers = append(boundPubServers, srv)
		pubServers[i] = srv
		asConfiguredPub[i] = resolved[0]
	}
	s.publishServers = pubServers

	s.mu.Lock()
	_ = s.tree.Put(tree.NewKeychain("Keymaster.URLS.AsConfigured.State"), asAnySequence(asConfiguredState), true)
	_ = s.tree.Put(tree.NewKeychain("Keymaster.URLS.AsConfigured.Pub"), asAnySequence(asConfiguredPub), true)
	s.mu.Unlock()

	s.setState(StateBound)
	return asConfiguredState, asConfiguredPub, nil
}

func anyInprocScheme(urls []string) bool {
	for _, u := range urls {
		scheme, err := transport.SchemeOf(u)
		if err == nil && (scheme == "inproc" || scheme == "rtinproc") {
			return true
		}
	}
	return false
}

func closeListeners(listeners []net.Listener) {
	for _, l := range listeners {
		l.Close()
	}
}

func closeServers(servers []transport.Server) {
	for _, srv := range servers {
		srv.Close()
	}
}

// derivePublishURL mechanically derives a publish endpoint from a resolved
// state endpoint, following setup_urls(): tcp steps the port by one; ipc,
// inproc, and rtinproc append the literal ".publisher" suffix.
func derivePublishURL(scheme, resolvedStateURL string) (string, error) {
	switch scheme {
	case "tcp":
		host := resolvedStateURL[len("tcp://"):]
		idx := strings.LastIndex(host, ":")
		if idx < 0 {
			return "", errors.WrapInvalid(errors.ErrInvalidData, "Server", "derivePublishURL", resolvedStateURL)
		}
		port, perr := strconv.Atoi(host[idx+1:])
		if perr != nil {
			return "", errors.WrapInvalid(errors.ErrInvalidData, "Server", "derivePublishURL", resolvedStateURL)
		}
		return fmt.Sprintf("tcp://%s:%d", host[:idx], port+1), nil
	case "ipc", "inproc", "rtinproc":
		return resolvedStateURL + ".publisher", nil
	default:
		return "", errors.WrapInvalid(errors.ErrSchemeNotRegistered, "Server", "derivePublishURL", scheme)
	}
}

func asAnySequence(values []string) *tree.Sequence {
	seq := tree.NewSequence()
	for _, v := range values {
		seq.Append(tree.NewScalar(v))
	}
	return seq
}

// Start launches the request, publish, and heartbeat tasks and moves the
// server into the Running state. Bind must have been called first. It
// waits publisherGrace before accepting requests, giving early subscribers
// a chance to connect before the first publish (§9).
func (s *Server) Start(ctx context.Context) error {
	time.Sleep(publisherGrace)
	return s.startNoGrace(ctx)
}

// startNoGrace is Start without the publisherGrace wait, used by tests that
// don't need to exercise the grace period.
func (s *Server) startNoGrace(ctx context.Context) error {
	if s.State() != StateBound {
		return errors.WrapInvalid(errors.ErrNotStarted, "Server", "Start", "must Bind before Start")
	}

	s.startedAt = time.Now()
	s.setState(StateRunning)

	s.wg.Add(len(s.requestListeners) + 3)
	for _, l := range s.requestListeners {
		go s.acceptTask(l)
	}
	go s.requestTask(ctx)
	go s.publishTask()
	go s.heartbeatTask()

	s.reportHealth(true, "")
	return nil
}

// Stop moves the server through Terminating to Stopped, closing its
// endpoints and waiting for its tasks to exit.
func (s *Server) Stop() error {
	if s.State() != StateRunning {
		return nil
	}
	s.setState(StateTerminating)
	close(s.stopCh)
	for _, l := range s.requestListeners {
		l.Close()
	}
	for _, srv := range s.publishServers {
		srv.Close()
	}
	s.wg.Wait()
	s.setState(StateStopped)
	return nil
}

func (s *Server) reportHealth(healthy bool, lastErr string) {
	if s.health == nil {
		return
	}
	ch := health.ComponentHealth{
		Healthy:   healthy,
		LastError: lastErr,
		Uptime:    time.Since(s.startedAt),
		LastCheck: time.Now(),
	}
	s.health.Update("keymaster.server", health.FromComponentHealth("keymaster.server", ch))
}

// acceptTask accepts connections on one bound request listener and hands
// each one a private goroutine that frames requests onto reqChan and writes
// back whatever reply the single request task produces. One acceptTask runs
// per listener returned by Bind.
func (s *Server) acceptTask(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		frames, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		reply := make(chan [][]byte, 1)
		select {
		case s.reqChan <- reqItem{frames: frames, reply: reply}:
		case <-s.stopCh:
			return
		}
		select {
		case out := <-reply:
			if err := wire.WriteMessage(conn, out); err != nil {
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

// requestTask is the single goroutine that owns the tree: every get/put/del
// and the periodic clone_interval re-root happen here, in order, so the
// tree needs no internal synchronization (§4.B, §5).
func (s *Server) requestTask(ctx context.Context) {
	defer s.wg.Done()

	cloneTicker := time.NewTicker(s.cloneInterval)
	defer cloneTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-cloneTicker.C:
			s.mu.Lock()
			s.tree = s.tree.Clone()
			s.mu.Unlock()
		case item := <-s.reqChan:
			item.reply <- s.dispatch(item.frames)
		}
	}
}

// publishTask is the dedicated goroutine that owns every publish endpoint
// (§4.B's three-task model): handlePut/handleDel only enqueue onto pubChan,
// so a slow or stalled publish transport can never block GET/PUT/DEL
// processing for any client.
func (s *Server) publishTask() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case item := <-s.pubChan:
			s.doPublish(item.keychain, item.payload)
		}
	}
}

// enqueuePublish hands a change off to the publish task, blocking only
// until either the bounded queue has room or the server is stopping.
func (s *Server) enqueuePublish(k tree.Keychain, payload []byte) {
	select {
	case s.pubChan <- pubItem{keychain: k, payload: payload}:
	case <-s.stopCh:
	}
}

func (s *Server) dispatch(frames [][]byte) [][]byte {
	if len(frames) == 0 {
		return buildReply(false, nil, "empty request")
	}
	op := frames[0][0]
	switch op {
	case opPing:
		return buildReply(true, []byte("pong"), "")
	case opGet:
		if len(frames) < 2 {
			return buildReply(false, nil, "get: missing key frame")
		}
		return s.handleGet(normalizeWireKey(string(frames[1])))
	case opPut:
		if len(frames) < 4 {
			return buildReply(false, nil, "put: missing value/create frame")
		}
		create := len(frames[3]) > 0 && frames[3][0] == 1
		return s.handlePut(normalizeWireKey(string(frames[1])), frames[2], create)
	case opDel:
		if len(frames) < 2 {
			return buildReply(false, nil, "del: missing key frame")
		}
		return s.handleDel(normalizeWireKey(string(frames[1])))
	default:
		return buildReply(false, nil, "unknown opcode")
	}
}

// normalizeWireKey translates the wire-level "Root" alias (GLOSSARY) into
// the empty keychain tree.NewKeychain expects for the document root.
func normalizeWireKey(key string) string {
	if key == rootWireKey {
		return ""
	}
	return key
}

// denormalizeWireKey is normalizeWireKey's inverse, used when a fully
// qualified key needs to go back out over the wire (a publish topic or a
// change envelope's embedded key).
func denormalizeWireKey(k tree.Keychain) string {
	if k.IsRoot() {
		return rootWireKey
	}
	return k.String()
}

func (s *Server) handleGet(key string) [][]byte {
	s.mu.Lock()
	n, err := s.tree.Get(tree.NewKeychain(key))
	s.mu.Unlock()
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordError("keymaster", "get")
		}
		return buildReply(false, nil, err.Error())
	}
	encoded, err := tree.Encode(n)
	if err != nil {
		return buildReply(false, nil, err.Error())
	}
	return buildReply(true, encoded, "")
}

func (s *Server) handlePut(key string, valueFrame []byte, create bool) [][]byte {
	n, err := tree.Decode(valueFrame)
	if err != nil {
		return buildReply(false, nil, err.Error())
	}
	k := tree.NewKeychain(key)

	s.mu.Lock()
	err = s.tree.Put(k, n, create)
	s.mu.Unlock()
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordError("keymaster", "put")
		}
		return buildReply(false, nil, err.Error())
	}

	s.enqueuePublish(k, valueFrame)
	return buildReply(true, nil, "")
}

func (s *Server) handleDel(key string) [][]byte {
	k := tree.NewKeychain(key)

	s.mu.Lock()
	err := s.tree.Delete(k)
	s.mu.Unlock()
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordError("keymaster", "del")
		}
		return buildReply(false, nil, err.Error())
	}

	s.enqueuePublish(k, nil)
	return buildReply(true, nil, "")
}

// doPublish fans the changed key's new value out under every ancestor
// prefix, shortest to longest, across every bound publish endpoint, so a
// subscriber watching any enclosing mapping sees the change regardless of
// how deep inside it the change occurred (§9's dotted-keychain prefix
// fanout rule). The root keychain publishes under the literal wire topic
// "Root", never the empty string.
func (s *Server) doPublish(k tree.Keychain, payload []byte) {
	if len(s.publishServers) == 0 {
		return
	}
	envelope := encodeChangeEnvelope(denormalizeWireKey(k), payload)
	for _, prefix := range k.Prefixes() {
		topic := denormalizeWireKey(prefix)
		for _, srv := range s.publishServers {
			_ = srv.Publish(topic, envelope)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordMessagePublished("keymaster", k.String())
	}
}

// heartbeatTask publishes a monotonically increasing millisecond timestamp
// under HeartbeatKey once a second (§4.B), across every bound publish
// endpoint.
func (s *Server) heartbeatTask() {
	defer s.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if len(s.publishServers) == 0 {
				continue
			}
			ts := timestamp.Now()
			payload := []byte(fmt.Sprintf("%d", ts))
			for _, srv := range s.publishServers {
				_ = srv.Publish(HeartbeatKey, payload)
			}
		}
	}
}

func listenRequestSocket(scheme, asConfiguredURL string) (net.Listener, error) {
	switch scheme {
	case "tcp":
		return net.Listen("tcp", asConfiguredURL[len("tcp://"):])
	case "ipc":
		return net.Listen("unix", asConfiguredURL[len("ipc://"):])
	case "inproc", "rtinproc":
		return listenInprocRequest(asConfiguredURL)
	default:
		return nil, errors.WrapInvalid(errors.ErrSchemeNotRegistered, "Server", "Bind", "request socket scheme "+scheme)
	}
}

func rewriteBoundRequestPort(scheme, asConfigured string, l net.Listener) string {
	if scheme != "tcp" {
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
	return fmt.Sprintf("tcp://%s:%d", host, tcpAddr.Port)
}
