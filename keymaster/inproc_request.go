package keymaster

import (
	"net"
	"sync"

	"github.com/ramoncreager/matrix/errors"
)

// inprocRequestHub is the process-wide registry of named in-process
// request/reply endpoints: a resolved inproc:// name maps to the listener
// waiting to accept connections under it. This mirrors transport/inproc.go's
// inprocHub, but for the Keymaster's hand-rolled request/reply socket, which
// the transport package has no primitive for at all (it is pub/sub only).
var inprocRequestHub = struct {
	mu        sync.Mutex
	listeners map[string]*inprocRequestListener
}{listeners: make(map[string]*inprocRequestListener)}

// inprocRequestListener implements net.Listener over net.Pipe connections so
// an inproc-scheme Keymaster request socket can be accepted by the same
// acceptTask/serveConn code that serves tcp and ipc listeners.
type inprocRequestListener struct {
	name    string
	conns   chan net.Conn
	closeCh chan struct{}
	once    sync.Once
}

// listenInprocRequest registers name as accepting connections, failing if
// another listener already owns that name within this process.
func listenInprocRequest(name string) (net.Listener, error) {
	inprocRequestHub.mu.Lock()
	defer inprocRequestHub.mu.Unlock()
	if _, exists := inprocRequestHub.listeners[name]; exists {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Bind", "inproc request endpoint already bound: "+name)
	}
	l := &inprocRequestListener{
		name:    name,
		conns:   make(chan net.Conn),
		closeCh: make(chan struct{}),
	}
	inprocRequestHub.listeners[name] = l
	return l, nil
}

func (l *inprocRequestListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closeCh:
		return nil, errors.WrapInvalid(errors.ErrTransportClosed, "inprocRequestListener", "Accept", l.name)
	}
}

func (l *inprocRequestListener) Close() error {
	l.once.Do(func() {
		inprocRequestHub.mu.Lock()
		delete(inprocRequestHub.listeners, l.name)
		inprocRequestHub.mu.Unlock()
		close(l.closeCh)
	})
	return nil
}

func (l *inprocRequestListener) Addr() net.Addr { return inprocAddr(l.name) }

type inprocAddr string

func (a inprocAddr) Network() string { return "inproc" }
func (a inprocAddr) String() string  { return string(a) }

// dialInprocRequest connects to a listener previously registered under name
// via listenInprocRequest, handing the listener's Accept loop one end of a
// net.Pipe and returning the other end to the caller.
func dialInprocRequest(name string) (net.Conn, error) {
	inprocRequestHub.mu.Lock()
	l, ok := inprocRequestHub.listeners[name]
	inprocRequestHub.mu.Unlock()
	if !ok {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "dial", "no inproc request listener: "+name)
	}

	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closeCh:
		client.Close()
		server.Close()
		return nil, errors.WrapTransient(errors.ErrTransportClosed, "Client", "dial", name)
	}
}
