// Package sdk provides the client-side library for the shared TTL store.
// It supports remote connections to celerix-stored via TCP/TLS and local embedded mode.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/celerix-dev/celerix-web/internal/logging"
)

const defaultOpTimeout = 30 * time.Second

// Client is a remote client for the celerix-stored daemon.
// It implements the EnumerableStore interface.
type Client struct {
	addr    string
	useTLS  bool
	conn    net.Conn
	reader  *bufio.Reader
	logger  pslog.Logger
	mu      sync.Mutex // Protects concurrent access to the connection
	timeout time.Duration
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithTLS toggles TLS for the connection. TLS is on by default.
func WithTLS(enabled bool) ClientOption {
	return func(c *Client) { c.useTLS = enabled }
}

// WithLogger attaches a logger for connection diagnostics.
func WithLogger(l pslog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets the per-command deadline used when ctx carries none.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// Connect establishes a connection to a remote store daemon.
func Connect(addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{addr: addr, useTLS: true, timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.EnsureLogger(c.logger).With("svc", "sdk.client")
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}

	var conn net.Conn
	var err error
	if c.useTLS {
		config := &tls.Config{
			InsecureSkipVerify: true, // self-signed certs for internal traffic
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	} else {
		conn, err = dialer.Dial("tcp", c.addr)
	}
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// sendAndReceive writes one command line and reads one reply line.
// A transport failure drops the connection; the next call redials.
func (c *Client) sendAndReceive(ctx context.Context, op, key, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", &StoreError{Op: op, Key: key, Err: err}
	}
	if c.conn == nil {
		if err := c.reconnect(); err != nil {
			return "", &StoreError{Op: op, Key: key, Err: fmt.Errorf("reconnect failed: %w", err)}
		}
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	resp, err := c.roundTrip(cmd)
	if err != nil {
		c.logger.Warn("sdk.client.transport_error", "op", op, "error", err)
		c.conn.Close()
		c.conn = nil
		return "", &StoreError{Op: op, Key: key, Err: err}
	}
	if strings.HasPrefix(resp, "ERR") {
		return "", &StoreError{Op: op, Key: key, Err: errors.New(strings.TrimSpace(strings.TrimPrefix(resp, "ERR")))}
	}
	return resp, nil
}

func (c *Client) roundTrip(cmd string) (string, error) {
	if _, err := fmt.Fprint(c.conn, cmd+"\n"); err != nil {
		return "", err
	}
	resp, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

// Get fetches key, returning def when it is missing or expired.
func (c *Client) Get(ctx context.Context, key string, def any) (any, error) {
	resp, err := c.sendAndReceive(ctx, "get", key, "GET "+key)
	if err != nil {
		return nil, err
	}
	if resp == "NIL" {
		return def, nil
	}
	var val any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(resp, "OK ")), &val); err != nil {
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}
	return val, nil
}

// Set upserts key with ttl seconds.
func (c *Client) Set(ctx context.Context, key string, val any, ttl int) (bool, error) {
	jsonData, err := json.Marshal(val)
	if err != nil {
		return false, err
	}
	resp, err := c.sendAndReceive(ctx, "set", key, fmt.Sprintf("SET %s %d %s", key, ttl, jsonData))
	if err != nil {
		return false, err
	}
	return resp == "OK 1", nil
}

// Remove deletes key, reporting whether it existed.
func (c *Client) Remove(ctx context.Context, key string) (bool, error) {
	resp, err := c.sendAndReceive(ctx, "remove", key, "DEL "+key)
	if err != nil {
		return false, err
	}
	return resp == "OK 1", nil
}

// Keys lists every live key held by the daemon.
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	resp, err := c.sendAndReceive(ctx, "keys", "", "KEYS")
	if err != nil {
		return nil, err
	}
	var list []string
	err = json.Unmarshal([]byte(strings.TrimPrefix(resp, "OK ")), &list)
	return list, err
}

// Entry returns the raw entry for key, or ErrKeyNotFound.
func (c *Client) Entry(ctx context.Context, key string) (Entry, error) {
	resp, err := c.sendAndReceive(ctx, "entry", key, "ENTRY "+key)
	if err != nil {
		return Entry{}, err
	}
	if resp == "NIL" {
		return Entry{}, ErrKeyNotFound
	}
	var e Entry
	err = json.Unmarshal([]byte(strings.TrimPrefix(resp, "OK ")), &e)
	return e, err
}

// Put writes a raw entry, preserving its creation time.
func (c *Client) Put(ctx context.Context, e Entry) error {
	jsonData, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = c.sendAndReceive(ctx, "put", e.Key, "PUT "+string(jsonData))
	return err
}

// Ping checks the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.sendAndReceive(ctx, "ping", "", "PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", resp)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// --- Generics Support ---

// Get retrieves a type-safe value. ok is false when the key is missing or expired.
// JSON-decoded values (maps, float64) are re-marshaled into T.
func Get[T any](ctx context.Context, s KVReader, key string) (T, bool, error) {
	var target T
	val, err := s.Get(ctx, key, nil)
	if err != nil || val == nil {
		return target, false, err
	}

	// If it's already the right type (e.g. from MemStore), just return it
	if v, ok := val.(T); ok {
		return v, true, nil
	}

	bytes, err := json.Marshal(val)
	if err != nil {
		return target, false, err
	}
	err = json.Unmarshal(bytes, &target)
	return target, err == nil, err
}

// ParseTTL parses a TTL argument; "forever" and "-1" both mean no expiry.
func ParseTTL(s string) (int, error) {
	if strings.EqualFold(s, "forever") {
		return Forever, nil
	}
	ttl, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q: %w", s, err)
	}
	if ttl < Forever {
		return 0, fmt.Errorf("invalid ttl %d: must be -1 or >= 0", ttl)
	}
	return ttl, nil
}
