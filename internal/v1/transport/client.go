package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/portalbot/server/internal/v1/logging"
	"github.com/portalbot/server/internal/v1/metrics"
	"github.com/portalbot/server/internal/v1/protocol"
	"github.com/portalbot/server/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// Client represents a single endpoint's connection. It implements
// types.Sender; everything else about the client (role, space, robot
// profile) lives in the registry under the hub's dispatch lock.
type Client struct {
	conn wsConnection
	hub  *Hub
	id   types.ClientIDType

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	// cascadeOnce guarantees the disconnect cascade runs exactly once,
	// whether triggered by read EOF or a forced Close.
	cascadeOnce sync.Once

	send chan []byte // Buffered channel of outbound frames
}

func newClient(conn wsConnection, hub *Hub) *Client {
	return &Client{
		conn: conn,
		hub:  hub,
		send: make(chan []byte, 256),
	}
}

// Send satisfies types.Sender. It marshals {"type": msgType, "data": data}
// and queues the frame. A full or closed channel is logged and the frame
// dropped; the peer's own disconnect path handles cleanup.
func (c *Client) Send(msgType string, data any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.Debug(context.Background(), "Skipping send to closed client", zap.String("client_id", string(c.id)))
		return
	}
	c.mu.RUnlock()

	raw, err := json.Marshal(data)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound payload",
			zap.String("client_id", string(c.id)), zap.String("type", msgType), zap.Error(err))
		return
	}

	frame, err := json.Marshal(protocol.Envelope{Type: msgType, Data: raw})
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound frame",
			zap.String("client_id", string(c.id)), zap.String("type", msgType), zap.Error(err))
		return
	}

	// Safety net: a concurrent Close can shut the channel under us.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closed channel",
				zap.String("client_id", string(c.id)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- frame:
	default:
		logging.Warn(context.Background(), "Client send channel full, dropping frame",
			zap.String("client_id", string(c.id)), zap.String("type", msgType))
	}
}

// Close satisfies types.Sender. Closing the send channel makes the
// writePump drain its buffer, send a CloseMessage, and close the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump reads text frames off the socket and hands them to the hub's
// dispatch loop. On read error it runs the disconnect cascade exactly once
// and drops the socket.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.hub.dispatch(c, frame)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for {
		frame, ok := <-c.send
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("client_id", string(c.id)), zap.Error(err))
			return
		}
	}
}
