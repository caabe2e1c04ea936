package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/blamouche/gpx-collaboration/internal/gateway"
	"github.com/blamouche/gpx-collaboration/internal/presence"
	"github.com/blamouche/gpx-collaboration/internal/registry"
	"github.com/blamouche/gpx-collaboration/internal/room"
	syncproto "github.com/blamouche/gpx-collaboration/internal/sync"
)

// PresenceMirror receives a copy of every presence change. It is optional.
type PresenceMirror interface {
	PutPresence(ctx context.Context, roomID, connID string, rec presence.Record) error
	RemovePresence(ctx context.Context, roomID, connID string) error
}

const mirrorTimeout = 500 * time.Millisecond

// Hub accepts sync connections and relays frames between the connections of
// each room.
type Hub struct {
	reg      *registry.Registry
	gw       *gateway.Gateway
	mirror   PresenceMirror
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

type Option func(*Hub)

func WithPresenceMirror(m PresenceMirror) Option {
	return func(h *Hub) { h.mirror = m }
}

func NewHub(reg *registry.Registry, gw *gateway.Gateway, log zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		reg: reg,
		gw:  gw,
		log: log.With().Str("module", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the sync endpoint on router.
func (h *Hub) Register(router gin.IRouter) {
	router.GET(h.gw.Prefix()+"/:room", h.Serve)
}

// Serve admits and upgrades one connection.
func (h *Hub) Serve(c *gin.Context) {
	req, _, err := h.gw.Admit(c.Request)
	if err != nil {
		if status := gateway.HTTPStatus(err); status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		conn, uerr := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if uerr != nil {
			return
		}
		reject(conn, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("room", req.RoomID).Msg("upgrade failed")
		return
	}

	client := newClient(h, conn, req)
	if err := client.enqueueControl(syncproto.Control{
		Kind:     syncproto.ControlWelcome,
		ConnID:   client.id,
		RoomID:   req.RoomID,
		ReadOnly: req.ReadOnly,
	}); err != nil {
		reject(conn, err)
		return
	}

	rm, err := h.reg.Join(req.RoomID, req.Origin, req.Secret, client)
	if err != nil {
		reject(conn, err)
		return
	}
	client.room = rm
	h.sendInitialState(client)

	h.log.Info().
		Str("room", req.RoomID).
		Str("conn", client.id).
		Bool("read_only", req.ReadOnly).
		Msg("client joined")

	go client.writePump()
	go client.readPump()
}

func reject(conn *websocket.Conn, err error) {
	code, reason := gateway.CloseCode(err)
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// sendInitialState queues the full document and every current presence
// record. It runs after the connection is attached, so nothing committed
// in between is missed.
func (h *Hub) sendInitialState(c *Client) {
	state, err := syncproto.EncodeState(c.room.Document.State())
	if err != nil {
		h.log.Error().Err(err).Str("room", c.roomID).Msg("encode state")
		return
	}
	c.Send(state)

	for connID, rec := range c.room.Presence.Snapshot() {
		rec := rec
		data, err := syncproto.EncodeAwareness(syncproto.Awareness{ConnID: connID, Record: &rec})
		if err != nil {
			continue
		}
		c.Send(data)
	}
}

// Message is one frame relayed to the other connections of a room.
type Message struct {
	RoomID string
	Data   []byte
	Sender *Client
}

func (h *Hub) broadcast(m *Message) {
	slow := m.Sender.room.Broadcast(m.Sender.id, m.Data)
	for _, conn := range slow {
		h.log.Warn().Str("room", m.RoomID).Str("conn", conn.ID()).Msg("dropping slow client")
		conn.Close(websocket.ClosePolicyViolation, "send buffer full")
	}
}

// leave detaches c and tells the remaining connections its presence is gone.
func (h *Hub) leave(c *Client) {
	if c.room == nil {
		return
	}
	if err := h.reg.Detach(c.roomID, c); err != nil {
		h.log.Debug().Err(err).Str("room", c.roomID).Msg("detach")
	}

	if data, err := syncproto.EncodeAwareness(syncproto.Awareness{ConnID: c.id, Removed: true}); err == nil {
		h.broadcast(&Message{RoomID: c.roomID, Data: data, Sender: c})
	}
	h.mirrorRemove(c.roomID, c.id)

	h.log.Info().Str("room", c.roomID).Str("conn", c.id).Msg("client left")
}

func (h *Hub) mirrorPut(roomID, connID string, rec presence.Record) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := h.mirror.PutPresence(ctx, roomID, connID, rec); err != nil {
		h.log.Debug().Err(err).Str("room", roomID).Msg("presence mirror put")
	}
}

func (h *Hub) mirrorRemove(roomID, connID string) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := h.mirror.RemovePresence(ctx, roomID, connID); err != nil {
		h.log.Debug().Err(err).Str("room", roomID).Msg("presence mirror remove")
	}
}

func newConnID() string {
	return uuid.NewString()
}

var _ room.Conn = (*Client)(nil)
