package feed

import (
	"log"
	"net/http"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/drift-social/Drift-server/config"
	"github.com/drift-social/Drift-server/service/pagination"
	"github.com/drift-social/Drift-server/service/stack"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type Handler struct {
	db     *gorm.DB
	cfg    *config.Config
	engine *stack.Engine
	slots  *pagination.Slots
}

func NewHandler(db *gorm.DB, cfg *config.Config, engine *stack.Engine, slots *pagination.Slots) *Handler {
	return &Handler{db: db, cfg: cfg, engine: engine, slots: slots}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/feed/stream", utils.OptionalAuth(h.handleStream)).Methods("GET")
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	var viewer *models.User
	if userID, err := utils.GetUserIDFromContext(r.Context()); err == nil {
		var u models.User
		if err := h.db.First(&u, userID).Error; err != nil {
			utils.WriteError(w, r, utils.Internal("user_lookup_failed", err))
			return
		}
		viewer = &u
	}

	if !h.slots.TryAcquire() {
		utils.WriteError(w, r, utils.ResourceExhausted("too_many_streams"))
		return
	}
	defer h.slots.Release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("feed upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	session := NewSession(h.db, h.cfg, h.engine, viewer)
	if err := session.Run(conn); err != nil {
		log.Printf("feed stream ended: %v", err)
	}
}
