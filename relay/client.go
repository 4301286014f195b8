// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/mailbox"
	"github.com/bureau-foundation/tabletop/lib/netutil"
)

// DefaultReconnectDelay is the pause between redial attempts.
const DefaultReconnectDelay = 2 * time.Second

// ErrDisconnected is returned by Send while no relay connection is up.
var ErrDisconnected = errors.New("relay: not connected")

// Event is implemented by everything a Client reports.
type Event interface {
	relayEvent()
}

// Connected reports a successful dial. It follows every reconnect.
type Connected struct{}

// Disconnected reports that an established connection dropped. The
// client is already redialing.
type Disconnected struct {
	Err error
}

// Message is one frame received from the relay.
type Message struct {
	Frame Frame
}

func (Connected) relayEvent()    {}
func (Disconnected) relayEvent() {}
func (Message) relayEvent()      {}

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the relay websocket endpoint.
	URL string

	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header is sent with every dial.
	Header http.Header

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client is a relay connection that redials forever, with a fixed delay,
// until closed. Frames and connection transitions are reported on
// Events in order; the events queue is unbounded so the read loop never
// waits on the consumer.
type Client struct {
	url            string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	header         http.Header
	clock          clock.Clock
	logger         *slog.Logger

	events *mailbox.Mailbox[Event]

	// writeMu serializes writes; gorilla connections allow one
	// concurrent writer.
	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial starts a Client. It returns immediately; the first Connected (or
// nothing, while the relay is unreachable) arrives on Events.
func Dial(ctx context.Context, config ClientConfig) *Client {
	reconnectDelay := config.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runContext, cancel := context.WithCancel(ctx)
	client := &Client{
		url:            config.URL,
		reconnectDelay: reconnectDelay,
		dialer:         dialer,
		header:         config.Header,
		clock:          clk,
		logger:         logger.With("relay", config.URL),
		events:         mailbox.New[Event](),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go client.run(runContext)
	return client
}

// Events returns the event stream. Closed after Close.
func (c *Client) Events() <-chan Event {
	return c.events.Out()
}

// Send writes one event to the relay.
func (c *Client) Send(event string, data any) error {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing %s to relay: %w", event, err)
	}
	return nil
}

// Close stops redialing, closes the connection, and waits for the run
// loop to exit.
func (c *Client) Close() error {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second)) //nolint:realclock // kernel I/O deadline
		c.writeMu.Unlock()
		c.conn.Close()
	}
	c.connMu.Unlock()
	<-c.done
	c.events.Close()
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("relay dial failed", "error", err, "retry_in", c.reconnectDelay)
		} else {
			conn.SetReadLimit(MaxFrameSize)
			c.setConn(conn)
			c.logger.Info("relay connected")
			c.events.Put(Connected{})

			err = c.readLoop(conn)

			c.setConn(nil)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			if netutil.IsExpectedCloseError(err) {
				c.logger.Info("relay connection closed", "error", err)
			} else {
				c.logger.Warn("relay connection lost", "error", err)
			}
			c.events.Put(Disconnected{Err: err})
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.reconnectDelay):
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text relay frame", "type", messageType)
			continue
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed relay frame", "error", err)
			continue
		}
		c.events.Put(Message{Frame: frame})
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}
