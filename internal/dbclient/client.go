// Package dbclient is the in-process library application code uses to reach
// the driver server. It embeds no SQL engine: every call travels over the
// per-database UNIX socket, multiplexed by request id, so no component other
// than the driver ever opens the database file.
package dbclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/driver"
	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// Config tunes a client.
type Config struct {
	// SocketPath is the driver socket. Derivable from the db path.
	SocketPath string

	// CallTimeout is the default per-call timeout (default 30s).
	CallTimeout time.Duration

	// ReconnectInitial is the first reconnect delay (default 100ms).
	ReconnectInitial time.Duration

	// ReconnectMax caps the reconnect delay (default 5s).
	ReconnectMax time.Duration

	// ReconnectAttempts bounds dial attempts per call (default 5).
	ReconnectAttempts int
}

// NewConfig returns a client config for a database path with defaults.
func NewConfig(dbPath string) Config {
	return Config{SocketPath: driver.SocketPath(dbPath)}
}

func (c *Config) applyDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 100 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 5 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
}

// Client is safe to share across goroutines. Pending requests are routed
// back to their waiters by request id; cancelling a call removes its waiter
// without desynchronising the stream.
type Client struct {
	cfg Config

	nextID atomic.Uint64

	mu      sync.Mutex // guards conn, waiters, closed
	conn    net.Conn
	waiters map[uint64]chan driver.Response
	closed  bool

	writeMu sync.Mutex // serialises frame writes
}

// New creates a client. The socket is dialled lazily on first call.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		waiters: make(map[uint64]chan driver.Response),
	}
}

// Close tears down the connection and fails all pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// call performs one request/response exchange.
func (c *Client) call(ctx context.Context, op string, args any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return cerrors.Wrap(cerrors.KindInternal, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	req := driver.Request{ID: id, Op: op, Args: raw}

	ch, conn, err := c.register(ctx, id)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	werr := driver.WriteFrame(conn, req)
	c.writeMu.Unlock()
	if werr != nil {
		c.deregister(id)
		c.dropConn(conn)
		return cerrors.Wrapf(cerrors.KindIo, werr, "send %s", op)
	}

	select {
	case <-ctx.Done():
		// The reply, if it ever arrives, is discarded by the read loop.
		c.deregister(id)
		return cerrors.Wrapf(cerrors.KindIo, ctx.Err(), "%s timed out", op)

	case resp, ok := <-ch:
		if !ok {
			return cerrors.Newf(cerrors.KindIo, "connection lost during %s", op)
		}
		if !resp.OK {
			if resp.Error == nil {
				return cerrors.Newf(cerrors.KindInternal, "%s failed without error detail", op)
			}
			return resp.Error.Err()
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Value, out); err != nil {
			return cerrors.Wrapf(cerrors.KindInternal, err, "decode %s result", op)
		}
		return nil
	}
}

// register ensures a live connection and installs the waiter.
func (c *Client) register(ctx context.Context, id uint64) (chan driver.Response, net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, cerrors.New(cerrors.KindIo, "client is closed")
	}

	if c.conn == nil {
		conn, err := c.dialLocked(ctx)
		if err != nil {
			return nil, nil, err
		}
		c.conn = conn
		go c.readLoop(conn)
	}

	ch := make(chan driver.Response, 1)
	c.waiters[id] = ch
	return ch, c.conn, nil
}

func (c *Client) deregister(id uint64) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// dialLocked dials with bounded exponential backoff. Caller holds c.mu.
func (c *Client) dialLocked(ctx context.Context) (net.Conn, error) {
	delay := c.cfg.ReconnectInitial
	var lastErr error

	for attempt := 0; attempt < c.cfg.ReconnectAttempts; attempt++ {
		conn, err := net.DialTimeout("unix", c.cfg.SocketPath, c.cfg.CallTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, cerrors.Wrap(cerrors.KindIo, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
	}
	return nil, cerrors.Wrapf(cerrors.KindIo, lastErr, "connect to driver at %s", c.cfg.SocketPath)
}

// readLoop routes responses to waiters until the connection dies, then
// fails every pending call so callers can retry over a fresh connection.
func (c *Client) readLoop(conn net.Conn) {
	for {
		var resp driver.Response
		if err := driver.ReadFrame(conn, &resp); err != nil {
			if !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
				slog.Debug("driver connection lost", slog.String("error", err.Error()))
			}
			c.failPending(conn)
			return
		}

		c.mu.Lock()
		ch, ok := c.waiters[resp.ID]
		if ok {
			delete(c.waiters, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
		}
		// Unknown ids belong to cancelled calls; drop the late reply.
	}
}

func (c *Client) failPending(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.waiters
	c.waiters = make(map[uint64]chan driver.Response)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = conn.Close()
}

func (c *Client) dropConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}
