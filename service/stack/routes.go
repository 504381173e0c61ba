package stack

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type Handler struct {
	db     *gorm.DB
	engine *Engine
}

func NewHandler(db *gorm.DB, engine *Engine) *Handler {
	return &Handler{db: db, engine: engine}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/posts/{id}/vote", utils.AuthMiddleware(h.handleVote)).Methods("POST")
	router.HandleFunc("/stack", utils.AuthMiddleware(h.handleGetStack)).Methods("GET")
	router.HandleFunc("/stack/drain", utils.AuthMiddleware(h.handleDrain)).Methods("POST")
}

func (h *Handler) handleVote(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, r, utils.PermissionDenied("unauthenticated"))
		return
	}
	postID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_post_id"))
		return
	}

	var body struct {
		Spread bool `json:"spread"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}

	vote, err := h.engine.CastVote(userID, uint(postID), body.Spread)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(vote)
}

func (h *Handler) handleGetStack(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, r, utils.PermissionDenied("unauthenticated"))
		return
	}
	posts, err := h.engine.Held(userID)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if posts == nil {
		posts = []models.Post{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(posts)
}

func (h *Handler) handleDrain(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		utils.WriteError(w, r, utils.PermissionDenied("unauthenticated"))
		return
	}
	if err := h.engine.Drain(userID); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
