// Package client is the editing side of a sync connection. A Session keeps a
// local replica of the room document in step with the server, publishes the
// user's presence and hands out the reconciler and undo manager bound to its
// local-edit origin.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/blamouche/gpx-collaboration/internal/doc"
	"github.com/blamouche/gpx-collaboration/internal/gateway"
	"github.com/blamouche/gpx-collaboration/internal/presence"
	"github.com/blamouche/gpx-collaboration/internal/reconcile"
	syncproto "github.com/blamouche/gpx-collaboration/internal/sync"
	"github.com/blamouche/gpx-collaboration/internal/undo"
)

var (
	ErrAccessDenied = errors.New("secret required or invalid")
	ErrRoomMissing  = errors.New("room missing")
	ErrRejected     = errors.New("connection rejected")
	ErrClosed       = errors.New("session closed")
	ErrSendOverflow = errors.New("send buffer full")
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStaleAfter       = 30 * time.Second
	writeWait               = 10 * time.Second
	sendBuffer              = 256
)

type Config struct {
	// URL is the sync endpoint prefix, e.g. ws://host:8080/sync.
	URL      string
	RoomID   string
	Secret   string
	ReadOnly bool
	User     presence.User

	// Document is reused across reconnects when set. Its local state is
	// pushed to the room once the server state has been merged.
	Document *doc.Document
	// Origin is the local-edit tag. Reuse it with Document to keep undo
	// history across reconnects.
	Origin *doc.Origin

	StaleAfter       time.Duration
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           zerolog.Logger
}

type Session struct {
	cfg      Config
	conn     *websocket.Conn
	doc      *doc.Document
	origin   doc.Origin
	connID   string
	readOnly bool
	tracker  *presence.Tracker
	log      zerolog.Logger

	selfMu sync.Mutex
	self   presence.Record

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	quit      chan struct{}
	quitOnce  sync.Once
	flushed   chan struct{}
	wg        sync.WaitGroup
	cancelObs func()

	errMu   sync.Mutex
	err     error
	onError func(syncproto.Control)
}

// Dial connects to the room, waits for the welcome frame and the full state,
// then starts relaying. A rejected passcode yields ErrAccessDenied.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	target, err := endpoint(cfg)
	if err != nil {
		return nil, err
	}
	conn, resp, err := cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s", ErrRejected, http.StatusText(resp.StatusCode))
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	d := cfg.Document
	if d == nil {
		d = doc.New()
	}
	origin := doc.NewLocalOrigin()
	if cfg.Origin != nil {
		origin = *cfg.Origin
	}

	s := &Session{
		cfg:     cfg,
		conn:    conn,
		doc:     d,
		origin:  origin,
		tracker: presence.NewTracker("", cfg.StaleAfter),
		log:     cfg.Logger.With().Str("room", cfg.RoomID).Logger(),
		self:    presence.Record{User: cfg.User},
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
		flushed: make(chan struct{}),
	}

	if err := s.handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.cancelObs = d.Observe(s.relayLocal)

	s.wg.Add(2)
	go s.writePump()
	go s.readPump()

	if !s.readOnly {
		if state := d.State(); !state.Empty() {
			if data, err := syncproto.EncodeUpdate(state); err == nil {
				s.enqueue(data)
			}
		}
	}
	s.publishSelf()
	return s, nil
}

func endpoint(cfg Config) (string, error) {
	u, err := url.Parse(strings.TrimRight(cfg.URL, "/") + "/" + cfg.RoomID)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if cfg.Secret != "" {
		q.Set("k", cfg.Secret)
	}
	if cfg.ReadOnly {
		q.Set("mode", "ro")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Session) handshake(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	welcomed, synced := false, false
	for !welcomed || !synced {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return closeError(err)
		}
		frame, err := syncproto.Decode(data)
		if err != nil {
			return err
		}
		switch {
		case frame.Type == syncproto.MessageTypeControl:
			ctrl, err := syncproto.DecodeControl(frame.Payload)
			if err != nil {
				return err
			}
			if ctrl.Kind == syncproto.ControlWelcome {
				s.connID = ctrl.ConnID
				s.readOnly = ctrl.ReadOnly
				s.tracker.SetSelf(ctrl.ConnID)
				welcomed = true
			}
		case frame.Type == syncproto.MessageTypeSync && frame.Step == syncproto.SyncStep2:
			if err := s.applyRemote(frame.Payload); err != nil {
				return err
			}
			synced = true
		default:
			if err := s.dispatch(frame); err != nil {
				return err
			}
		}
	}
	return nil
}

func closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case gateway.CloseSecretInvalid:
			return ErrAccessDenied
		case gateway.CloseRoomMissing:
			return ErrRoomMissing
		case websocket.CloseNormalClosure:
			return ErrClosed
		}
	}
	return err
}

// relayLocal forwards transactions made on this replica. Remote merges are
// never sent back.
func (s *Session) relayLocal(ev doc.Event) {
	if ev.Origin.IsRemote() || ev.Update.Empty() || s.readOnly {
		return
	}
	data, err := syncproto.EncodeUpdate(ev.Update)
	if err != nil {
		s.log.Error().Err(err).Msg("encode update")
		return
	}
	s.enqueue(data)
}

// enqueue never blocks: it runs inside document observers, on the goroutine
// that committed the transaction. A full buffer ends the session.
func (s *Session) enqueue(data []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- data:
	default:
		s.log.Warn().Int("buffer", cap(s.send)).Msg("send buffer full, closing session")
		s.setErr(ErrSendOverflow)
		s.shutdown()
	}
}

func (s *Session) applyRemote(payload []byte) error {
	u, err := doc.DecodeUpdate(payload)
	if err != nil {
		return err
	}
	_, err = s.doc.Apply(u, doc.RemoteOrigin("server"))
	return err
}

func (s *Session) dispatch(frame syncproto.Frame) error {
	switch frame.Type {
	case syncproto.MessageTypeSync:
		if frame.Step == syncproto.SyncStep1 {
			return nil
		}
		return s.applyRemote(frame.Payload)
	case syncproto.MessageTypeAwareness:
		a, err := syncproto.DecodeAwareness(frame.Payload)
		if err != nil {
			return err
		}
		if a.Removed {
			s.tracker.Remove(a.ConnID)
		} else {
			s.tracker.Put(a.ConnID, *a.Record)
		}
	case syncproto.MessageTypeControl:
		ctrl, err := syncproto.DecodeControl(frame.Payload)
		if err != nil {
			return err
		}
		if ctrl.Kind == syncproto.ControlError {
			s.log.Warn().Str("code", ctrl.Code).Msg(ctrl.Message)
			s.errMu.Lock()
			fn := s.onError
			s.errMu.Unlock()
			if fn != nil {
				fn(ctrl)
			}
		}
	}
	return nil
}

func (s *Session) readPump() {
	defer s.wg.Done()
	defer s.shutdown()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(closeError(err))
			return
		}
		frame, err := syncproto.Decode(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("invalid frame")
			continue
		}
		if err := s.dispatch(frame); err != nil {
			s.log.Warn().Err(err).Msg("frame rejected")
		}
	}
}

func (s *Session) writePump() {
	defer s.wg.Done()
	defer close(s.flushed)
	for {
		select {
		case <-s.done:
			return
		case <-s.quit:
			s.drain()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-s.send:
			if !s.write(data) {
				return
			}
		}
	}
}

func (s *Session) write(data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.setErr(err)
		s.shutdown()
		return false
	}
	return true
}

// drain writes whatever is still queued.
func (s *Session) drain() {
	for {
		select {
		case data := <-s.send:
			if !s.write(data) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancelObs != nil {
			s.cancelObs()
		}
		_ = s.conn.Close()
	})
}

// Close releases this connection's selection claim, flushes pending frames,
// ends the session with a normal closure and waits for its goroutines. The
// document stays usable for a later Dial.
func (s *Session) Close() error {
	if _, held := s.doc.Selection()[s.connID]; held && !s.readOnly {
		if err := s.Release(); err != nil {
			s.log.Debug().Err(err).Msg("release claim on close")
		}
	}
	s.quitOnce.Do(func() { close(s.quit) })
	select {
	case <-s.flushed:
	case <-time.After(writeWait):
	}
	s.shutdown()
	s.wg.Wait()
	return nil
}

// Done is closed when the connection ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the connection ended, if it has.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// OnServerError registers fn for error control frames, such as a rejected
// write from a read-only connection.
func (s *Session) OnServerError(fn func(syncproto.Control)) {
	s.errMu.Lock()
	s.onError = fn
	s.errMu.Unlock()
}

func (s *Session) Document() *doc.Document { return s.doc }
func (s *Session) Origin() doc.Origin      { return s.origin }
func (s *Session) ConnID() string          { return s.connID }
func (s *Session) ReadOnly() bool          { return s.readOnly }

// NewReconciler binds layer to the session document under the local-edit
// origin, honouring the read-only flag.
func (s *Session) NewReconciler(layer reconcile.Layer, opts ...reconcile.Option) *reconcile.Reconciler {
	base := []reconcile.Option{reconcile.WithReadOnly(s.readOnly), reconcile.WithLogger(s.log)}
	return reconcile.New(s.doc, s.origin, layer, append(base, opts...)...)
}

// NewUndoManager tracks only this session's own edits.
func (s *Session) NewUndoManager(opts ...undo.Option) *undo.Manager {
	return undo.New(s.doc, s.origin, opts...)
}
