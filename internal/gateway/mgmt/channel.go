// Package mgmt speaks to the local OpenVPN management interface. The
// only command the agent needs is kill: dropping the tunnel of a user
// whose balance ran out.
package mgmt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

var ErrNotConnected = errors.New("management channel not connected")

// Channel holds a persistent connection to the OpenVPN management
// socket and reconnects with backoff when it drops.
type Channel struct {
	addr   string
	logger *slog.Logger

	connMu  sync.RWMutex
	conn    net.Conn
	writeMu sync.Mutex

	dial func(ctx context.Context, addr string) (net.Conn, error)
}

func NewChannel(addr string, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		addr:   addr,
		logger: logger,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Run keeps the channel connected until the context is cancelled.
func (c *Channel) Run(ctx context.Context) {
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectAndDrain(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("management channel dropped",
				slog.String("addr", c.addr),
				slog.Any("err", err),
				slog.String("retry_in", backoff.String()))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// Kill drops the tunnel whose client certificate carries commonName.
func (c *Channel) Kill(commonName string) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(conn, "kill %s\r\n", commonName); err != nil {
		return fmt.Errorf("kill %s: %w", commonName, err)
	}
	return nil
}

func (c *Channel) connectAndDrain(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := c.dial(dialCtx, c.addr)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	c.setConn(conn)
	defer c.setConn(nil)
	c.logger.Info("management channel connected", slog.String("addr", c.addr))

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// The management interface chats: a banner, command echoes,
	// real-time notices. None of it needs parsing, but it has to be
	// drained or OpenVPN blocks on its side of the socket.
	reader := bufio.NewReader(conn)
	for {
		if _, err := reader.ReadString('\n'); err != nil {
			return err
		}
	}
}

func (c *Channel) setConn(conn net.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil && c.conn != conn {
		_ = c.conn.Close()
	}
	c.conn = conn
}
