package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/blamouche/gpx-collaboration/internal/doc"
	"github.com/blamouche/gpx-collaboration/internal/gateway"
	"github.com/blamouche/gpx-collaboration/internal/ratelimit"
	"github.com/blamouche/gpx-collaboration/internal/registry"
	"github.com/blamouche/gpx-collaboration/internal/room"
	syncproto "github.com/blamouche/gpx-collaboration/internal/sync"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	sendBuffer        = 512
	messagesPerSecond = 100
	messageBurst      = 200
	maxRateViolations = 1000
)

// Client is the server side of one sync connection.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	room        *room.Room
	roomID      string
	id          string
	readOnly    bool
	rateLimiter *ratelimit.Limiter
	log         zerolog.Logger
}

func newClient(h *Hub, conn *websocket.Conn, req gateway.Request) *Client {
	id := newConnID()
	return &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		roomID:      req.RoomID,
		id:          id,
		readOnly:    req.ReadOnly,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		log:         h.log.With().Str("room", req.RoomID).Str("conn", id).Logger(),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues data without blocking. It reports false when the queue is
// full or the connection is closing.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close sends a close frame and tears the connection down. Safe to call
// from any goroutine and more than once.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

func (c *Client) enqueueControl(ctrl syncproto.Control) error {
	data, err := syncproto.EncodeControl(ctrl)
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

func (c *Client) sendError(code, message string) {
	if err := c.enqueueControl(syncproto.Control{Kind: syncproto.ControlError, Code: code, Message: message}); err != nil {
		c.log.Error().Err(err).Msg("encode error frame")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.Close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.log.Warn().Int("warnings", rateLimitWarnings).Msg("rate limit exceeded")
			}
			if rateLimitWarnings > maxRateViolations {
				c.log.Warn().Msg("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		frame, err := syncproto.Decode(message)
		if err != nil {
			c.log.Warn().Err(err).Msg("invalid message")
			continue
		}

		if err := c.handle(frame); err != nil {
			if errors.Is(err, doc.ErrDestroyed) || errors.Is(err, registry.ErrRoomMissing) {
				c.log.Warn().Err(err).Msg("room gone")
				c.Close(gateway.CloseRoomMissing, "room missing")
				return
			}
			c.log.Warn().Err(err).Msg("message rejected")
		}
	}
}

func (c *Client) handle(frame syncproto.Frame) error {
	switch frame.Type {
	case syncproto.MessageTypeSync:
		return c.handleSync(frame)
	case syncproto.MessageTypeAwareness:
		return c.handleAwareness(frame)
	default:
		// Control frames only flow server -> client.
		return nil
	}
}

func (c *Client) handleSync(frame syncproto.Frame) error {
	if frame.Step == syncproto.SyncStep1 {
		state, err := syncproto.EncodeState(c.room.Document.State())
		if err != nil {
			return err
		}
		c.Send(state)
		return nil
	}

	if c.readOnly {
		c.sendError(syncproto.CodeReadOnly, "connection is read-only")
		return nil
	}

	u, err := doc.DecodeUpdate(frame.Payload)
	if err != nil {
		c.sendError(syncproto.CodeInvalidUpdate, err.Error())
		return nil
	}
	ev, err := c.room.Document.Apply(u, doc.RemoteOrigin(c.id))
	if err != nil {
		if errors.Is(err, doc.ErrDestroyed) {
			return err
		}
		c.sendError(syncproto.CodeInvalidUpdate, err.Error())
		return nil
	}

	c.room.Lock()
	c.room.Touch(time.Now())
	c.room.Unlock()

	if ev.Update.Empty() {
		return nil
	}
	data, err := syncproto.EncodeUpdate(ev.Update)
	if err != nil {
		return err
	}
	c.hub.broadcast(&Message{RoomID: c.roomID, Data: data, Sender: c})
	return nil
}

func (c *Client) handleAwareness(frame syncproto.Frame) error {
	a, err := syncproto.DecodeAwareness(frame.Payload)
	if err != nil {
		return err
	}
	// A connection only ever publishes its own record.
	a.ConnID = c.id
	if a.Removed {
		c.room.Presence.Remove(c.id)
		c.hub.mirrorRemove(c.roomID, c.id)
	} else {
		c.room.Presence.Put(c.id, *a.Record)
		c.hub.mirrorPut(c.roomID, c.id, *a.Record)
	}

	data, err := syncproto.EncodeAwareness(a)
	if err != nil {
		return err
	}
	c.hub.broadcast(&Message{RoomID: c.roomID, Data: data, Sender: c})
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.BinaryMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
