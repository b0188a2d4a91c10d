package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// WSFillMessage is a userFills frame from the venue feed.
type WSFillMessage struct {
	User     string    `json:"user"`
	Fills    []RawFill `json:"fills"`
	Snapshot bool      `json:"isSnapshot"`
}

// WSConn is one Hyperliquid WebSocket connection carrying the fill and
// position subscriptions for a single address. Reconnect policy lives in
// the caller (Stream's tracker); WSConn only reads until error or cancel.
type WSConn struct {
	conn    *websocket.Conn
	address string
	url     string
}

// DialUserFeed opens a WS connection subscribed to an address's fills and
// position events.
func DialUserFeed(ctx context.Context, wsURL, address string) (*WSConn, error) {
	if wsURL == "" {
		wsURL = hlWSURL
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial user feed: %w", err)
	}

	c := &WSConn{conn: conn, address: address, url: wsURL}
	for _, subType := range []string{"userFills", "userEvents"} {
		sub := map[string]any{
			"method":       "subscribe",
			"subscription": map[string]string{"type": subType, "user": address},
		}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subType, err)
		}
	}
	return c, nil
}

// ReadFills blocks on the socket, delivering decoded fill batches to the
// callback until the context is cancelled or the connection drops.
func (c *WSConn) ReadFills(ctx context.Context, onFills func(WSFillMessage)) error {
	// Unblock the read loop on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	for {
		var frame struct {
			Channel string          `json:"channel"`
			Data    json.RawMessage `json:"data"`
		}
		if err := c.conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read user feed %s: %w", c.address, err)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		if frame.Channel != "userFills" {
			continue
		}
		var msg WSFillMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			continue // malformed frame, drop
		}
		if msg.User == "" {
			msg.User = c.address
		}
		onFills(msg)
	}
}

// Close closes the underlying connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}
