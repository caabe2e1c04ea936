// Package gateway admits sync connections: it checks the request path and
// room id, applies the creation throttle and the room passcode, and maps
// rejections to HTTP statuses or websocket close codes.
package gateway

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/blamouche/gpx-collaboration/internal/registry"
	"github.com/blamouche/gpx-collaboration/internal/room"
)

// Application close codes sent after the upgrade.
const (
	CloseSecretInvalid = 4001
	CloseRoomMissing   = 4004
)

var ErrWrongPath = errors.New("path does not match sync prefix")

// Request is an admitted connection request.
type Request struct {
	RoomID   string
	Secret   string
	ReadOnly bool
	Origin   string
}

type Gateway struct {
	prefix string
	reg    *registry.Registry
	log    zerolog.Logger
}

func New(prefix string, reg *registry.Registry, log zerolog.Logger) *Gateway {
	return &Gateway{
		prefix: "/" + strings.Trim(prefix, "/"),
		reg:    reg,
		log:    log.With().Str("module", "gateway").Logger(),
	}
}

func (g *Gateway) Prefix() string { return g.prefix }

// Parse extracts the room id and connection flags. The room id is the single
// path segment following the prefix.
func (g *Gateway) Parse(r *http.Request) (Request, error) {
	rest, ok := strings.CutPrefix(r.URL.Path, g.prefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return Request{}, ErrWrongPath
	}
	if err := registry.ValidateRoomID(rest); err != nil {
		return Request{}, err
	}
	q := r.URL.Query()
	return Request{
		RoomID:   rest,
		Secret:   q.Get("k"),
		ReadOnly: q.Get("mode") == "ro",
		Origin:   ClientOrigin(r),
	}, nil
}

// Admit validates r and resolves its room. No room state is touched when
// the path or id is rejected.
func (g *Gateway) Admit(r *http.Request) (Request, *room.Room, error) {
	req, err := g.Parse(r)
	if err != nil {
		return Request{}, nil, err
	}
	rm, err := g.reg.GetOrCreate(req.RoomID, req.Origin, req.Secret)
	if err != nil {
		g.log.Debug().Err(err).Str("room", req.RoomID).Str("origin", req.Origin).Msg("connection rejected")
		return req, nil, err
	}
	return req, rm, nil
}

// ClientOrigin identifies the requesting client for throttling.
func ClientOrigin(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HTTPStatus returns the status used to reject err before the upgrade, or 0
// when err must be reported after the upgrade through a close code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrWrongPath):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidRoomID):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, registry.ErrAccessDenied), errors.Is(err, registry.ErrRoomMissing):
		return 0
	default:
		return http.StatusInternalServerError
	}
}

// CloseCode maps err to a websocket close code and reason.
func CloseCode(err error) (int, string) {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, registry.ErrAccessDenied):
		return CloseSecretInvalid, "secret required or invalid"
	case errors.Is(err, registry.ErrRoomMissing):
		return CloseRoomMissing, "room missing"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}
