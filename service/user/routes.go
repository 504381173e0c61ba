package user

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/drift-social/Drift-server/config"
	"github.com/drift-social/Drift-server/service/notification"
	"github.com/drift-social/Drift-server/service/pagination"
	"github.com/drift-social/Drift-server/service/stack"
)

type Handler struct {
	db     *gorm.DB
	cfg    *config.Config
	engine *stack.Engine
	agg    *notification.Aggregator
	slots  *pagination.Slots
}

func NewHandler(db *gorm.DB, cfg *config.Config, engine *stack.Engine, agg *notification.Aggregator, slots *pagination.Slots) *Handler {
	return &Handler{db: db, cfg: cfg, engine: engine, agg: agg, slots: slots}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/register", h.handleRegister).Methods("POST")
	router.HandleFunc("/login", h.handleLogin).Methods("POST")
	router.HandleFunc("/refresh", h.handleRefreshToken).Methods("POST")
	router.HandleFunc("/reset-password", h.handlePasswordResetRequest).Methods("POST")
	router.HandleFunc("/reset-password/confirm", h.handlePasswordReset).Methods("POST")

	router.HandleFunc("/users/me", utils.AuthMiddleware(h.handleMe)).Methods("GET")
	router.HandleFunc("/users/{id}/block", utils.AuthMiddleware(h.handleBlock)).Methods("POST")
	router.HandleFunc("/users/{id}/block", utils.AuthMiddleware(h.handleUnblock)).Methods("DELETE")
	router.HandleFunc("/users/blocked/stream", utils.AuthMiddleware(h.handleStreamBlocked))

	router.HandleFunc("/users/{id}/ban", utils.AuthMiddleware(h.handleBan)).Methods("POST")
	router.HandleFunc("/users/{id}/promote", utils.AuthMiddleware(h.handlePromote)).Methods("POST")
}

func (h *Handler) caller(r *http.Request) (*models.User, error) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		return nil, utils.PermissionDenied("unauthenticated")
	}
	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		return nil, utils.NotFound("user_not_found")
	}
	return &user, nil
}

func pathID(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		return 0, utils.InvalidArgument("invalid_user_id")
	}
	return uint(id), nil
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// handleBlock hides the target's posts from the caller, present and
// future: existing stack entries are released with a refund and future
// fills skip the target.
func (h *Handler) handleBlock(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	targetID, err := pathID(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if targetID == user.ID {
		utils.WriteError(w, r, utils.InvalidArgument("cannot_block_self"))
		return
	}
	var target models.User
	if err := h.db.First(&target, targetID).Error; err != nil {
		utils.WriteError(w, r, utils.NotFound("user_not_found"))
		return
	}

	block := models.Block{BlockerID: user.ID, BlockedID: targetID}
	err = h.db.Where("blocker_id = ? AND blocked_id = ?", user.ID, targetID).
		FirstOrCreate(&block).Error
	if err != nil {
		utils.WriteError(w, r, utils.Internal("block_create_failed", err))
		return
	}
	if err := h.engine.RemoveAuthorPosts(user.ID, targetID); err != nil {
		utils.WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(block)
}

func (h *Handler) handleUnblock(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	targetID, err := pathID(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	err = h.db.Where("blocker_id = ? AND blocked_id = ?", user.ID, targetID).
		Delete(&models.Block{}).Error
	if err != nil {
		utils.WriteError(w, r, utils.Internal("block_delete_failed", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BlockedSource lists the caller's blocks, newest first.
func (h *Handler) BlockedSource(viewer *models.User) pagination.Source[models.Block] {
	return pagination.Source[models.Block]{
		Query: func() *gorm.DB {
			return h.db.Model(&models.Block{}).
				Where("blocker_id = ?", viewer.ID).
				Preload("Blocked")
		},
		Fields: pagination.ParseFields("-id"),
		Cursor: func(b models.Block) []string {
			return []string{strconv.FormatUint(uint64(b.ID), 10)}
		},
	}
}

func (h *Handler) handleStreamBlocked(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if !h.slots.TryAcquire() {
		http.Error(w, "Too many open streams", http.StatusServiceUnavailable)
		return
	}
	defer h.slots.Release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	pagination.RunStream(conn, h.BlockedSource(user))
}

// handleBan locks the target out. The caller must outrank the target.
// A permanent ban also clears any open flags against the user, since
// there is nothing left to moderate.
func (h *Handler) handleBan(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if !user.IsStaff() {
		utils.WriteError(w, r, utils.PermissionDenied("staff_only"))
		return
	}
	targetID, err := pathID(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}

	var req struct {
		Days    int  `json:"days"`
		Forever bool `json:"forever"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	if !req.Forever && req.Days <= 0 {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_ban_duration"))
		return
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		var target models.User
		if err := tx.First(&target, targetID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.NotFound("user_not_found")
			}
			return utils.Internal("user_lookup_failed", err)
		}
		if target.Rank >= user.Rank {
			return utils.PermissionDenied("cannot_ban_peer")
		}

		updates := map[string]any{"refresh_token": ""}
		if req.Forever {
			updates["banned_forever"] = true
		} else {
			updates["banned_until"] = time.Now().Add(time.Duration(req.Days) * 24 * time.Hour)
		}
		if err := tx.Model(&target).Updates(updates).Error; err != nil {
			return utils.Internal("ban_failed", err)
		}
		return h.agg.ClearFlags(tx, models.TargetUser, target.ID)
	})
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePromote(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if user.Rank < models.RankAdmin {
		utils.WriteError(w, r, utils.PermissionDenied("admin_only"))
		return
	}
	targetID, err := pathID(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}

	var req struct {
		Rank int `json:"rank"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	if req.Rank < models.RankRegular || req.Rank > user.Rank {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_rank"))
		return
	}

	var target models.User
	if err := h.db.First(&target, targetID).Error; err != nil {
		utils.WriteError(w, r, utils.NotFound("user_not_found"))
		return
	}
	if err := h.db.Model(&target).Update("rank", req.Rank).Error; err != nil {
		utils.WriteError(w, r, utils.Internal("promote_failed", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(target)
}
