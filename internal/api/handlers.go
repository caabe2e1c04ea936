package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/blamouche/gpx-collaboration/internal/db"
	"github.com/blamouche/gpx-collaboration/internal/registry"
	"github.com/blamouche/gpx-collaboration/internal/room"
)

type API struct {
	reg     *registry.Registry
	journal *db.Database
	log     zerolog.Logger
}

// New builds the handlers. journal may be nil when the lifecycle journal is
// disabled; journal-backed fields are then omitted.
func New(reg *registry.Registry, journal *db.Database, log zerolog.Logger) *API {
	return &API{
		reg:     reg,
		journal: journal,
		log:     log.With().Str("module", "api").Logger(),
	}
}

func (a *API) Register(r gin.IRouter) {
	r.GET("/health", a.Health)
	g := r.Group("/api")
	g.GET("/stats", a.Stats)
	g.GET("/rooms", a.ListRooms)
	g.GET("/rooms/:id", a.GetRoom)
	g.GET("/rooms/:id/events", a.ListRoomEvents)
	g.DELETE("/rooms/:id", a.EvictRoom)
	g.DELETE("/rooms/:id/journal", a.PurgeJournal)
}

func errorResponse(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ = strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) Stats(c *gin.Context) {
	stats := gin.H{
		"registry":  a.reg.Stats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if a.journal != nil {
		js, err := a.journal.GetStats()
		if err != nil {
			a.log.Warn().Err(err).Msg("journal stats")
		} else {
			stats["journal"] = js
		}
	}
	c.JSON(http.StatusOK, stats)
}

// ListRooms pages through the rooms currently held in memory.
func (a *API) ListRooms(c *gin.Context) {
	limit, offset := pagination(c)
	all := a.reg.Rooms()

	page := []room.Info{}
	if offset < len(all) {
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		page = all[offset:end]
	}
	c.JSON(http.StatusOK, gin.H{
		"rooms":  page,
		"total":  len(all),
		"limit":  limit,
		"offset": offset,
	})
}

type RoomResponse struct {
	ID      string     `json:"id"`
	Live    *room.Info `json:"live,omitempty"`
	Journal *db.Room   `json:"journal,omitempty"`
}

func (a *API) roomID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := registry.ValidateRoomID(id); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid room id")
		return "", false
	}
	return id, true
}

func (a *API) GetRoom(c *gin.Context) {
	id, ok := a.roomID(c)
	if !ok {
		return
	}

	resp := RoomResponse{ID: id}
	if rm, live := a.reg.Get(id); live {
		info := rm.Info()
		resp.Live = &info
	}
	if a.journal != nil {
		jr, err := a.journal.GetRoom(id)
		if err != nil {
			a.log.Error().Err(err).Str("room", id).Msg("journal lookup")
			errorResponse(c, http.StatusInternalServerError, "failed to get room")
			return
		}
		resp.Journal = jr
	}

	if resp.Live == nil && resp.Journal == nil {
		errorResponse(c, http.StatusNotFound, "room not found")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) ListRoomEvents(c *gin.Context) {
	id, ok := a.roomID(c)
	if !ok {
		return
	}
	if a.journal == nil {
		errorResponse(c, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	limit, offset := pagination(c)
	events, err := a.journal.ListEvents(id, limit, offset)
	if err != nil {
		a.log.Error().Err(err).Str("room", id).Msg("list events")
		errorResponse(c, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []db.Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id": id,
		"events":  events,
		"limit":   limit,
		"offset":  offset,
	})
}

// EvictRoom drops a live room immediately. Connected clients are closed
// with a normal close frame.
func (a *API) EvictRoom(c *gin.Context) {
	id, ok := a.roomID(c)
	if !ok {
		return
	}
	if _, live := a.reg.Get(id); !live {
		errorResponse(c, http.StatusNotFound, "room not found")
		return
	}
	a.reg.EvictNow(id)
	a.log.Info().Str("room", id).Msg("room evicted by admin")
	c.JSON(http.StatusOK, gin.H{"message": "room evicted"})
}

// PurgeJournal forgets the lifecycle history of a room. A live room keeps
// running and starts a fresh history on its next event.
func (a *API) PurgeJournal(c *gin.Context) {
	id, ok := a.roomID(c)
	if !ok {
		return
	}
	if a.journal == nil {
		errorResponse(c, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	if err := a.journal.DeleteRoom(id); err != nil {
		a.log.Error().Err(err).Str("room", id).Msg("purge journal")
		errorResponse(c, http.StatusInternalServerError, "failed to purge journal")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "journal purged"})
}
