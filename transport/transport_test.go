package transport

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestResolveServerURL_TCPWildcard(t *testing.T) {
	resolved, err := ResolveServerURL("tcp://*:XXXXX")
	require.NoError(t, err)
	scheme, err := SchemeOf(resolved)
	require.NoError(t, err)
	assert.Equal(t, "tcp", scheme)
	assert.NotContains(t, resolved, "*")
	assert.NotContains(t, resolved, "XXXXX")
}

func TestResolveServerURL_InprocSuffix(t *testing.T) {
	resolved, err := ResolveServerURL("inproc://matrix.nettask.XXXXX")
	require.NoError(t, err)
	assert.NotEqual(t, "inproc://matrix.nettask.XXXXX", resolved)
	assert.True(t, len(resolved) == len("inproc://matrix.nettask.XXXXX"))
}

func TestResolveServerURL_IPCIsDeterministicWithoutXs(t *testing.T) {
	resolved, err := ResolveServerURL("ipc:///tmp/matrix.sock")
	require.NoError(t, err)
	assert.Equal(t, "ipc:///tmp/matrix.sock", resolved)
}

func TestTCPServerClient_PublishDelivers(t *testing.T) {
	srv, err := newSocketServer("comp", "A")
	require.NoError(t, err)
	defer srv.Close()

	resolved, err := srv.Bind(context.Background(), []string{"tcp://*:XXXXX"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	cli, err := newSocketClient("comp", "A")
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Connect(context.Background(), resolved))

	var mu sync.Mutex
	var got []byte
	require.NoError(t, cli.Subscribe("status", func(key string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = data
	}))

	// give the accept goroutine time to register the connection
	waitFor(t, time.Second, func() bool {
		ss := srv.(*socketServer)
		ss.mu.Lock()
		defer ss.mu.Unlock()
		return len(ss.conns) == 1
	})

	require.NoError(t, srv.Publish("status", []byte("running")))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})
	assert.Equal(t, "running", string(got))
}

func TestIPCServerClient_PublishDelivers(t *testing.T) {
	sockPath := "ipc://" + filepath.Join(t.TempDir(), "matrix.sock")

	srv, err := newSocketServer("comp", "A")
	require.NoError(t, err)
	defer srv.Close()

	resolved, err := srv.Bind(context.Background(), []string{sockPath})
	require.NoError(t, err)

	cli, err := newSocketClient("comp", "A")
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.Connect(context.Background(), resolved))

	var mu sync.Mutex
	var got []byte
	require.NoError(t, cli.Subscribe("", func(key string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = data
	}))

	waitFor(t, time.Second, func() bool {
		ss := srv.(*socketServer)
		ss.mu.Lock()
		defer ss.mu.Unlock()
		return len(ss.conns) == 1
	})

	require.NoError(t, srv.Publish("anything", []byte("payload")))
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})
	assert.Equal(t, "payload", string(got))
}

func TestInproc_FanoutToMultipleClients(t *testing.T) {
	srv, err := newInprocServer("comp", "A")
	require.NoError(t, err)
	defer srv.Close()

	resolved, err := srv.Bind(context.Background(), []string{"inproc://matrix.test.XXXXX"})
	require.NoError(t, err)

	const n = 3
	var mu sync.Mutex
	counts := make([]int, n)
	clients := make([]Client, n)
	for i := 0; i < n; i++ {
		c, err := newInprocClient("comp", "A")
		require.NoError(t, err)
		clients[i] = c
		defer c.Close()
		require.NoError(t, c.Connect(context.Background(), resolved))
		i := i
		require.NoError(t, c.Subscribe("", func(key string, data []byte) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		}))
	}

	require.NoError(t, srv.Publish("x", []byte("1")))

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, 1, counts[i])
	}
}

func TestRTInproc_DeliversSynchronously(t *testing.T) {
	srv, err := newRTInprocServer("comp", "A")
	require.NoError(t, err)
	defer srv.Close()

	resolved, err := srv.Bind(context.Background(), []string{"rtinproc://matrix.rt.XXXXX"})
	require.NoError(t, err)

	cli, err := newRTInprocClient("comp", "A")
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.Connect(context.Background(), resolved))

	var mu sync.Mutex
	var got []byte
	require.NoError(t, cli.Subscribe("", func(key string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = data
	}))

	require.NoError(t, srv.Publish("k", []byte("v")))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})
	assert.Equal(t, "v", string(got))
}

func TestRTInproc_OverflowDropsOldest(t *testing.T) {
	srv, err := newRTInprocServer("comp", "A")
	require.NoError(t, err)
	defer srv.Close()

	resolved, err := srv.Bind(context.Background(), []string{"rtinproc://matrix.rt2.XXXXX"})
	require.NoError(t, err)

	cli, err := newRTInprocClient("comp", "A")
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.Connect(context.Background(), resolved))

	// No handler registered: every publish piles into the channel queue,
	// which must drop oldest entries rather than block the publisher.
	for i := 0; i < rtQueueCapacity*4; i++ {
		require.NoError(t, srv.Publish("k", []byte(fmt.Sprintf("%d", i))))
	}
}

func TestDirectory_RefCountsSharedServer(t *testing.T) {
	dir := NewDirectory(NewRegistry())
	require.NoError(t, dir.registry.RegisterServerFactory("inproc", newInprocServer))

	ctx := context.Background()
	s1, urls, err := dir.GetServer(ctx, "comp", "A", "inproc", []string{"inproc://matrix.dirtest.XXXXX"})
	require.NoError(t, err)

	s2, urls2, err := dir.GetServer(ctx, "comp", "A", "inproc", []string{"inproc://matrix.dirtest.XXXXX"})
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, urls, urls2)

	dir.ReleaseServer("comp", "A")
	dir.mu.Lock()
	_, stillPresent := dir.servers[directoryKey("comp", "A")]
	dir.mu.Unlock()
	assert.True(t, stillPresent, "one release of two refs must not evict")

	dir.ReleaseServer("comp", "A")
	dir.mu.Lock()
	_, stillPresent = dir.servers[directoryKey("comp", "A")]
	dir.mu.Unlock()
	assert.False(t, stillPresent, "second release must evict the entry")
}
