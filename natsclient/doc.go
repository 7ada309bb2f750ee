// Package natsclient provides a NATS client with circuit breaker protection and
// automatic reconnection, used by the transport package's bonus "nats" scheme.
//
// The natsclient package wraps the standard NATS Go client with additional
// reliability features: a circuit breaker that fails fast after a threshold of
// consecutive failures, exponential backoff for reconnection, and context
// propagation throughout every operation.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222")
//	if err != nil {
//	    return err
//	}
//
//	ctx := context.Background()
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	err = client.Publish(ctx, "subject.name", []byte("message data"))
//
//	err = client.Subscribe(ctx, "subject.*", func(msgCtx context.Context, data []byte) {
//	    // handle message with a 30s per-message timeout
//	})
//
// # Advanced Configuration
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithMaxReconnects(-1),
//	    natsclient.WithReconnectWait(2*time.Second),
//	    natsclient.WithCircuitBreakerThreshold(10),
//	    natsclient.WithDisconnectCallback(func(err error) {
//	        log.Printf("disconnected: %v", err)
//	    }),
//	)
//
// # Circuit Breaker
//
// Circuit states:
//   - Closed: normal operation, requests pass through
//   - Open: failure threshold exceeded, requests fail fast
//   - Half-open: backoff elapsed, next connect attempt tests recovery
//
//	err := client.Connect(ctx)
//	if errors.Is(err, natsclient.ErrCircuitOpen) {
//	    time.Sleep(client.Backoff())
//	}
//
// # Connection Status
//
//	switch client.Status() {
//	case natsclient.StatusConnected:
//	case natsclient.StatusReconnecting:
//	case natsclient.StatusCircuitOpen:
//	case natsclient.StatusDisconnected:
//	}
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	err := client.WaitForConnection(ctx)
//
// # Thread Safety
//
// Client is safe for concurrent use. Connection state is managed with atomic
// values and mutexes; Close is idempotent.
//
// # Design Decisions
//
// Circuit breaker over bare retry: a threshold of consecutive failures opens
// the circuit so callers fail fast instead of piling up blocked connect
// attempts against an unreachable broker, giving it time to recover.
package natsclient
