// Package feed provides the generic WebSocket transport glue between
// exchange endpoints and the core engines: frames come in, a per-exchange
// decode function turns them into normalized messages, and the feed delivers
// them downstream. Exchange-specific message formats live entirely in the
// injected decode functions.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kortella/tidebot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// SubscribeFunc writes the exchange's subscription commands on a fresh
// connection. It runs again after every reconnect.
type SubscribeFunc func(ctx context.Context, conn *websocket.Conn) error

// frameHandler consumes one raw text/binary frame.
type frameHandler func(data []byte) error

// wsRunner owns one logical WebSocket subscription: it dials, subscribes,
// pumps frames into the handler, and reconnects with capped exponential
// backoff until the context is cancelled.
type wsRunner struct {
	url       string
	subscribe SubscribeFunc
	handle    frameHandler
	logger    *slog.Logger
}

func (r *wsRunner) run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		err := r.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("websocket disconnected, reconnecting",
			slog.String("url", r.url),
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (r *wsRunner) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", r.url, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if r.subscribe != nil {
		if err := r.subscribe(ctx, conn); err != nil {
			return fmt.Errorf("feed: subscribe: %w", err)
		}
	}

	// Close the connection when the context is cancelled so ReadMessage
	// unblocks; the ping loop doubles as the keep-alive.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", domain.ErrWSDisconnect)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := r.handle(data); err != nil {
			// A frame the decoder cannot parse is logged and skipped; it
			// must not tear down the connection.
			r.logger.Warn("dropping undecodable frame",
				slog.String("url", r.url),
				slog.String("error", err.Error()),
			)
		}
	}
}
