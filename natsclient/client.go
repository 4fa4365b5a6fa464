package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Normation/rudder-plugin-datasources/errors"
	"github.com/Normation/rudder-plugin-datasources/health"
)

// ConnectionStatus represents the current state of the NATS connection
type ConnectionStatus int32

const (
	// StatusDisconnected indicates no connection to NATS
	StatusDisconnected ConnectionStatus = iota
	// StatusConnecting indicates a connection attempt is in progress
	StatusConnecting
	// StatusConnected indicates an active connection
	StatusConnected
	// StatusReconnecting indicates the client lost its connection and is retrying
	StatusReconnecting
	// StatusClosed indicates the client was closed and will not reconnect
	StatusClosed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned when an operation requires an active connection
	ErrNotConnected = stderrors.New("not connected to NATS")
	// ErrCircuitOpen is returned while the circuit breaker rejects new attempts
	ErrCircuitOpen = stderrors.New("circuit breaker is open")
	// ErrConnectionTimeout is returned when a connection attempt exceeds its deadline
	ErrConnectionTimeout = stderrors.New("connection timeout")
)

// HealthHandler receives health status transitions from the client
type HealthHandler func(health.Status)

// Client wraps a NATS connection with circuit breaker protection and
// health reporting
type Client struct {
	urls          []string
	name          string
	username      string
	password      string
	token         string
	maxReconnects int
	reconnectWait time.Duration
	connectWait   time.Duration
	drainTimeout  time.Duration
	logger        Logger

	conn *nats.Conn
	js   jetstream.JetStream

	status atomic.Int32

	// circuit breaker state
	failures         atomic.Int64
	circuitOpen      atomic.Bool
	failureThreshold int64
	backoff          atomic.Int64
	initialBackoff   time.Duration
	maxBackoff       time.Duration

	reconnects atomic.Int64

	mu             sync.Mutex
	closeOnce      sync.Once
	healthHandlers []HealthHandler
}

// NewClient creates a NATS client for the given server URLs. The client
// does not connect until Connect is called.
func NewClient(urls []string, opts ...ClientOption) (*Client, error) {
	if len(urls) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("at least one server URL is required"), "Client", "NewClient", "validate options")
	}

	c := &Client{
		urls:             urls,
		name:             "datasources",
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		connectWait:      10 * time.Second,
		drainTimeout:     5 * time.Second,
		failureThreshold: 5,
		initialBackoff:   time.Second,
		maxBackoff:       time.Minute,
		logger:           defaultLogger{},
	}
	c.backoff.Store(int64(c.initialBackoff))

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	return c, nil
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// IsConnected reports whether the client has an active connection
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Reconnects returns the number of reconnections since Connect
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Connect establishes the NATS connection. It respects the circuit
// breaker and the context deadline.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusClosed {
		return errors.WrapFatal(
			fmt.Errorf("client is closed"), "Client", "Connect", "check state")
	}
	if c.circuitOpen.Load() {
		return ErrCircuitOpen
	}

	c.status.Store(int32(StatusConnecting))
	c.notifyHealth(health.NewDegraded("nats", "connecting to "+c.urls[0]))

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := nats.Connect(c.serverList(), c.connectionOptions()...)
		done <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		c.status.Store(int32(StatusDisconnected))
		c.recordFailure()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	case <-time.After(c.connectWait):
		c.status.Store(int32(StatusDisconnected))
		c.recordFailure()
		return ErrConnectionTimeout
	case r := <-done:
		if r.err != nil {
			c.status.Store(int32(StatusDisconnected))
			c.recordFailure()
			c.notifyHealth(health.NewUnhealthy("nats", health.SanitizeMessage(r.err.Error())))
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}

		js, err := jetstream.New(r.conn)
		if err != nil {
			r.conn.Close()
			c.status.Store(int32(StatusDisconnected))
			c.recordFailure()
			return errors.WrapTransient(err, "Client", "Connect", "create JetStream context")
		}

		c.mu.Lock()
		c.conn = r.conn
		c.js = js
		c.mu.Unlock()

		c.status.Store(int32(StatusConnected))
		c.resetCircuit()
		c.notifyHealth(health.NewHealthy("nats", "connected"))
		c.logger.Printf("connected to NATS at %s", r.conn.ConnectedUrl())
		return nil
	}
}

func (c *Client) serverList() string {
	servers := c.urls[0]
	for _, u := range c.urls[1:] {
		servers += "," + u
	}
	return servers
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.name),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if c.Status() == StatusClosed {
				return
			}
			c.status.Store(int32(StatusReconnecting))
			msg := "connection lost"
			if err != nil {
				msg = health.SanitizeMessage(err.Error())
			}
			c.notifyHealth(health.NewUnhealthy("nats", msg))
			c.logger.Errorf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.status.Store(int32(StatusConnected))
			c.reconnects.Add(1)
			c.resetCircuit()
			c.notifyHealth(health.NewHealthy("nats", "reconnected"))
			c.logger.Printf("NATS reconnected to %s", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if c.Status() != StatusClosed {
				c.status.Store(int32(StatusDisconnected))
				c.notifyHealth(health.NewUnhealthy("nats", "connection closed"))
			}
		}),
	}

	if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}

	return opts
}

// WaitForConnection blocks until the client is connected or the context
// is cancelled
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait cancelled")
		case <-ticker.C:
		}
	}
}

// Publish sends data on a subject
func (c *Client) Publish(subject string, data []byte) error {
	conn := c.connection()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.Publish(subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "Publish", "publish message")
	}
	return nil
}

// Request sends a request on a subject and waits for the reply
func (c *Client) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	conn := c.connection()
	if conn == nil {
		return nil, ErrNotConnected
	}

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "Request", "request on "+subject)
	}
	return msg, nil
}

// Subscribe registers a handler for a subject. Each message is handled
// with a bounded context so a stuck handler cannot block forever.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	conn := c.connection()
	if conn == nil {
		return nil, ErrNotConnected
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "create subscription")
	}
	return sub, nil
}

// JetStream returns the JetStream context, or nil when not connected
func (c *Client) JetStream() jetstream.JetStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.js
}

// CreateKeyValueBucket creates a key-value bucket, returning the existing
// bucket when another instance created it first
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js := c.JetStream()
	if js == nil {
		return nil, ErrNotConnected
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}

	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		// lost the creation race to another instance
		if kv2, getErr := js.KeyValue(ctx, cfg.Bucket); getErr == nil {
			return kv2, nil
		}
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket")
	}
	return kv, nil
}

// GetKeyValueBucket retrieves an existing key-value bucket
func (c *Client) GetKeyValueBucket(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	js := c.JetStream()
	if js == nil {
		return nil, ErrNotConnected
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "GetKeyValueBucket", "lookup bucket "+bucket)
	}
	return kv, nil
}

// OnHealthChange registers a handler called on connection health transitions
func (c *Client) OnHealthChange(handler HealthHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthHandlers = append(c.healthHandlers, handler)
}

func (c *Client) notifyHealth(status health.Status) {
	c.mu.Lock()
	handlers := make([]HealthHandler, len(c.healthHandlers))
	copy(handlers, c.healthHandlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(status)
	}
}

func (c *Client) connection() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// recordFailure counts a failure and opens the circuit once the threshold
// is reached. An open circuit schedules a half-open probe after a backoff
// that doubles up to maxBackoff.
func (c *Client) recordFailure() {
	failures := c.failures.Add(1)
	if failures < c.failureThreshold {
		return
	}

	if c.circuitOpen.CompareAndSwap(false, true) {
		backoff := time.Duration(c.backoff.Load())
		c.logger.Errorf("circuit breaker opened after %d failures, retrying in %s", failures, backoff)

		next := backoff * 2
		if next > c.maxBackoff {
			next = c.maxBackoff
		}
		c.backoff.Store(int64(next))

		time.AfterFunc(backoff, c.testCircuit)
	}
}

// testCircuit half-opens the circuit so the next Connect attempt can probe
// the broker
func (c *Client) testCircuit() {
	if c.Status() == StatusClosed {
		return
	}
	c.circuitOpen.Store(false)
	c.failures.Store(c.failureThreshold - 1)
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitOpen.Store(false)
	c.backoff.Store(int64(c.initialBackoff))
}

// Close drains the connection and releases resources. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var drainErr error

	c.closeOnce.Do(func() {
		c.status.Store(int32(StatusClosed))

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.js = nil
		c.healthHandlers = nil
		c.mu.Unlock()

		// credentials are not needed after close
		c.password = ""
		c.token = ""

		if conn == nil {
			return
		}

		done := make(chan error, 1)
		go func() { done <- conn.Drain() }()

		select {
		case err := <-done:
			drainErr = err
		case <-time.After(c.drainTimeout):
			conn.Close()
			drainErr = errors.WrapTransient(
				fmt.Errorf("drain timed out after %s", c.drainTimeout), "Client", "Close", "drain connection")
		}
	})

	return drainErr
}
