package keymaster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramoncreager/matrix/transport"
	"github.com/ramoncreager/matrix/tree"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func startTestServerOn(t *testing.T, initialURLs []string) (*Server, []string, []string) {
	t.Helper()
	doc := tree.New()
	srv := NewServer(doc, func(s *Server) { s.cloneInterval = time.Hour })

	reqURLs, pubURLs, err := srv.Bind(context.Background(), initialURLs)
	require.NoError(t, err)

	// Skip the real publisher grace period in tests.
	srv.startedAt = time.Now()
	go func() {
		require.NoError(t, srv.startNoGrace(context.Background()))
	}()

	t.Cleanup(func() { srv.Stop() })

	waitFor(t, time.Second, func() bool { return srv.State() == StateRunning })
	return srv, reqURLs, pubURLs
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv, reqURLs, _ := startTestServerOn(t, []string{"tcp://*:XXXXX"})
	return srv, reqURLs[0]
}

func TestServer_FSMTransitions(t *testing.T) {
	doc := tree.New()
	srv := NewServer(doc)
	assert.Equal(t, StateInit, srv.State())

	_, _, err := srv.Bind(context.Background(), []string{"tcp://*:XXXXX"})
	require.NoError(t, err)
	assert.Equal(t, StateBound, srv.State())
}

// TestServer_Bind_MixedSchemeInitialList exercises §8 Scenario 1's literal
// Keymaster.URLS.Initial ["tcp://*:42000", "inproc://km"]: each entry must
// be bound on its own listener regardless of scheme, and each gets its own
// derived publish endpoint.
func TestServer_Bind_MixedSchemeInitialList(t *testing.T) {
	doc := tree.New()
	srv := NewServer(doc)

	reqURLs, pubURLs, err := srv.Bind(context.Background(),
		[]string{"tcp://*:XXXXX", "inproc://km-test-mixed-scheme"})
	require.NoError(t, err)

	require.Len(t, reqURLs, 2)
	require.Len(t, pubURLs, 2)

	assert.Contains(t, reqURLs[0], "tcp://")
	assert.Equal(t, "inproc://km-test-mixed-scheme", reqURLs[1])
	assert.Equal(t, "inproc://km-test-mixed-scheme.publisher", pubURLs[1])
}

// TestServer_Bind_SynthesizesInprocWhenAbsent covers setup_urls()'s "no
// inproc entry among the state URLs" fallback: an inproc endpoint is always
// available for the heartbeat task even when the caller only asked for tcp.
func TestServer_Bind_SynthesizesInprocWhenAbsent(t *testing.T) {
	doc := tree.New()
	srv := NewServer(doc)

	reqURLs, pubURLs, err := srv.Bind(context.Background(), []string{"tcp://*:XXXXX"})
	require.NoError(t, err)

	require.Len(t, reqURLs, 2)
	require.Len(t, pubURLs, 2)
	scheme, err := transport.SchemeOf(reqURLs[1])
	require.NoError(t, err)
	assert.Equal(t, "inproc", scheme)
}

func TestClient_PutGetRoundTrip(t *testing.T) {
	_, reqURL := startTestServer(t)

	cli, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Put("a.b.c", tree.NewScalar("hello"), true))

	n, err := cli.Get("a.b.c")
	require.NoError(t, err)
	assert.Equal(t, "hello", n.(*tree.Scalar).Value)
}

func TestClient_DelThenGetFails(t *testing.T) {
	_, reqURL := startTestServer(t)

	cli, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Put("x", tree.NewScalar("1"), true))
	require.NoError(t, cli.Del("x"))

	_, err = cli.Get("x")
	assert.Error(t, err)
}

func TestClient_GetRoot_TranslatesRootAlias(t *testing.T) {
	_, reqURL := startTestServer(t)

	cli, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Put("a", tree.NewScalar("1"), true))

	n, err := cli.Get("Root")
	require.NoError(t, err)
	m, ok := n.(*tree.Mapping)
	require.True(t, ok)
	_, ok = m.Get("a")
	assert.True(t, ok)
}

func TestClient_SubscribePrefixFanout(t *testing.T) {
	_, reqURL := startTestServer(t)

	publisher, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer publisher.Close()

	subscriber, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer subscriber.Close()

	var gotKey string
	var gotValue string
	require.NoError(t, subscriber.Subscribe("a", func(key string, value []byte) {
		n, err := tree.Decode(value)
		if err != nil {
			return
		}
		gotKey = key
		gotValue = n.(*tree.Scalar).Value
	}))

	require.NoError(t, publisher.Put("a.b.c", tree.NewScalar("world"), true))

	waitFor(t, time.Second, func() bool { return gotValue != "" })
	assert.Equal(t, "a.b.c", gotKey)
	assert.Equal(t, "world", gotValue)
}

// TestClient_SubscribeRoot_UsesRootTopic covers the root-level publish path:
// a change at the top level must publish under the literal "Root" topic,
// not the empty string, and a subscriber watching "Root" must receive it.
func TestClient_SubscribeRoot_UsesRootTopic(t *testing.T) {
	_, reqURL := startTestServer(t)

	publisher, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer publisher.Close()

	subscriber, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer subscriber.Close()

	var gotKey string
	require.NoError(t, subscriber.Subscribe("Root", func(key string, value []byte) {
		gotKey = key
	}))

	require.NoError(t, publisher.Put("top", tree.NewScalar("v"), true))

	waitFor(t, time.Second, func() bool { return gotKey != "" })
	assert.Equal(t, "top", gotKey)
}

func TestClient_PutNBDedupesRapidWrites(t *testing.T) {
	_, reqURL := startTestServer(t)

	cli, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer cli.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, cli.PutNB("rapid", tree.NewScalar(string(rune('0'+i))), true))
	}

	waitFor(t, time.Second, func() bool {
		n, err := cli.Get("rapid")
		return err == nil && n.(*tree.Scalar).Value == string(rune('0'+9))
	})
}

func TestClient_RPC(t *testing.T) {
	_, reqURL := startTestServer(t)

	server, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer server.Close()

	caller, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer caller.Close()

	require.NoError(t, server.Subscribe("svc.rpc", func(key string, value []byte) {
		if len(key) < len("svc.rpc.") || key[len(key)-5:] != ".call" {
			return
		}
		id := key[len("svc.rpc.") : len(key)-len(".call")]
		_ = server.Put("svc.rpc."+id+".reply", tree.NewScalar("ack"), true)
	}))

	resp, err := caller.RPC("svc", tree.NewScalar("ping"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ack", resp.(*tree.Scalar).Value)
}

func TestHeartbeat_PublishesIncreasingTimestamps(t *testing.T) {
	_, reqURL := startTestServer(t)

	cli, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer cli.Close()

	var seen []string
	require.NoError(t, cli.Subscribe(HeartbeatKey, func(key string, value []byte) {
		seen = append(seen, string(value))
	}))

	waitFor(t, 3*time.Second, func() bool { return len(seen) >= 2 })
	assert.Less(t, seen[0], seen[len(seen)-1])
}

// TestServer_PutDoesNotBlockOnSlowPublish exercises the publish task's
// decoupling from request handling (§4.B): PUT must complete even while the
// pubChan backlog is nonzero, since publishing happens on its own goroutine.
func TestServer_PutDoesNotBlockOnSlowPublish(t *testing.T) {
	_, reqURL := startTestServer(t)

	cli, err := NewClient(context.Background(), reqURL)
	require.NoError(t, err)
	defer cli.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 8; i++ {
			require.NoError(t, cli.Put("burst", tree.NewScalar(string(rune('a'+i))), true))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PUTs blocked; publish task is not decoupled from request handling")
	}
}
