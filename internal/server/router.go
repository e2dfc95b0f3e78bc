// Package server exposes a TTL store over the celerix line protocol.
//
//	GET <key>               -> OK <json> | NIL
//	SET <key> <ttl> <json>  -> OK 1
//	DEL <key>               -> OK 1 | OK 0
//	KEYS                    -> OK <json array>
//	ENTRY <key>             -> OK <entry json> | NIL
//	PUT <entry json>        -> OK
//	PING                    -> PONG
//	QUIT
package server

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
	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

const maxConnections = 100

type Router struct {
	store    sdk.EnumerableStore
	cert     *tls.Certificate
	logger   pslog.Logger
	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func NewRouter(s sdk.EnumerableStore, logger pslog.Logger) *Router {
	return &Router{store: s, logger: logging.Subsystem(logger, "server.tcp")}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Addr returns the bound listener address, or nil before Listen.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen starts the TCP server and blocks until Stop.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()
	defer listener.Close()

	semaphore := make(chan struct{}, maxConnections)

	for {
		conn, err := listener.Accept()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("server.tcp.accept_failed", "error", err)
			continue
		}

		// Aggressive timeouts for light traffic to prevent resource exhaustion
		conn.SetDeadline(time.Now().Add(5 * time.Minute))

		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Stop closes the listener.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

// HandleConnection serves commands on conn until QUIT, EOF or an idle timeout.
func (r *Router) HandleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)
	ctx := context.Background()

	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		line, err := reader.ReadString('\n')
		if err != nil {
			return // Connection closed or timeout
		}

		line = strings.TrimSpace(line)
		command, rest, _ := strings.Cut(line, " ")
		if command == "" {
			continue
		}

		switch strings.ToUpper(command) {
		case "GET":
			key := strings.TrimSpace(rest)
			if key == "" {
				fmt.Fprintln(conn, "ERR usage: GET <key>")
				continue
			}
			val, err := r.store.Get(ctx, key, nil)
			switch {
			case err != nil:
				fmt.Fprintln(conn, "ERR", err)
			case val == nil:
				fmt.Fprintln(conn, "NIL")
			default:
				writeJSON(conn, val)
			}

		case "SET":
			parts := strings.SplitN(rest, " ", 3)
			if len(parts) < 3 {
				fmt.Fprintln(conn, "ERR usage: SET <key> <ttl> <json>")
				continue
			}
			ttl, err := sdk.ParseTTL(parts[1])
			if err != nil {
				fmt.Fprintln(conn, "ERR", err)
				continue
			}
			var val any
			if err := json.Unmarshal([]byte(parts[2]), &val); err != nil {
				fmt.Fprintln(conn, "ERR invalid json value")
				continue
			}
			ok, err := r.store.Set(ctx, parts[0], val, ttl)
			if err != nil {
				fmt.Fprintln(conn, "ERR", err)
			} else {
				fmt.Fprintln(conn, "OK", boolDigit(ok))
			}

		case "DEL":
			key := strings.TrimSpace(rest)
			if key == "" {
				fmt.Fprintln(conn, "ERR usage: DEL <key>")
				continue
			}
			ok, err := r.store.Remove(ctx, key)
			if err != nil {
				fmt.Fprintln(conn, "ERR", err)
			} else {
				fmt.Fprintln(conn, "OK", boolDigit(ok))
			}

		case "KEYS":
			list, err := r.store.Keys(ctx)
			if err != nil {
				fmt.Fprintln(conn, "ERR", err)
			} else {
				writeJSON(conn, list)
			}

		case "ENTRY":
			e, err := r.store.Entry(ctx, strings.TrimSpace(rest))
			switch {
			case errors.Is(err, sdk.ErrKeyNotFound):
				fmt.Fprintln(conn, "NIL")
			case err != nil:
				fmt.Fprintln(conn, "ERR", err)
			default:
				writeJSON(conn, e)
			}

		case "PUT":
			var e sdk.Entry
			if err := json.Unmarshal([]byte(rest), &e); err != nil || e.Key == "" {
				fmt.Fprintln(conn, "ERR invalid entry")
				continue
			}
			if err := r.store.Put(ctx, e); err != nil {
				fmt.Fprintln(conn, "ERR", err)
			} else {
				fmt.Fprintln(conn, "OK")
			}

		case "PING":
			fmt.Fprintln(conn, "PONG")

		case "QUIT":
			return

		default:
			fmt.Fprintln(conn, "ERR unknown command", strconv.Quote(command))
		}
	}
}

func writeJSON(conn net.Conn, v any) {
	res, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(conn, "ERR internal error")
		return
	}
	fmt.Fprintln(conn, "OK", string(res))
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
