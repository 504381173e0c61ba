package notification

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/drift-social/Drift-server/service/pagination"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"gorm.io/gorm"
)

type Handler struct {
	db    *gorm.DB
	agg   *Aggregator
	slots *pagination.Slots
}

func NewHandler(db *gorm.DB, agg *Aggregator, slots *pagination.Slots) *Handler {
	return &Handler{db: db, agg: agg, slots: slots}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/posts/{id}/subscribe", utils.AuthMiddleware(h.Subscribe)).Methods("POST")
	router.HandleFunc("/posts/{id}/subscribe", utils.AuthMiddleware(h.Unsubscribe)).Methods("DELETE")
	router.HandleFunc("/notifications/stream", utils.AuthMiddleware(h.StreamNotifications))
	router.HandleFunc("/report", utils.AuthMiddleware(h.Report)).Methods("POST")
	router.HandleFunc("/absolve", utils.AuthMiddleware(h.Absolve)).Methods("POST")
	router.HandleFunc("/devices", utils.AuthMiddleware(h.RegisterDevice)).Methods("POST")
	router.HandleFunc("/devices/{id}", utils.AuthMiddleware(h.DeleteDevice)).Methods("DELETE")
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

// Subscribe explicitly follows a post's comment thread.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	postID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_post_id"))
		return
	}

	var post models.Post
	if err := h.db.First(&post, postID).Error; err != nil || !post.Published() || post.IsDeleted {
		utils.WriteError(w, r, utils.NotFound("post_not_found"))
		return
	}

	sub, err := h.agg.EnsureSubscription(h.db, user.ID, post.ID)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sub)
}

func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	postID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_post_id"))
		return
	}
	if err := h.agg.Unsubscribe(user.ID, uint(postID)); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NotificationSource lists a viewer's unread-count notifications, newest
// first; staff viewers additionally see the aggregate flag rows.
func (h *Handler) NotificationSource(viewer *models.User) pagination.Source[models.Notification] {
	return pagination.Source[models.Notification]{
		Query: func() *gorm.DB {
			subIDs := h.db.Model(&models.Subscription{}).Select("id").Where("user_id = ?", viewer.ID)
			cond := h.db.Where("subscription_id IN (?)", subIDs)
			if viewer.IsStaff() {
				cond = cond.Or("subscription_id IS NULL")
			}
			return h.db.Model(&models.Notification{}).
				Where("count > 0").
				Where(cond).
				Preload("Subscription").
				Preload("Subscription.Post")
		},
		Fields: pagination.ParseFields("-id"),
		Cursor: func(n models.Notification) []string {
			return []string{strconv.FormatUint(uint64(n.ID), 10)}
		},
	}
}

// StreamNotifications serves the notification list over the stream
// pagination protocol.
func (h *Handler) StreamNotifications(w http.ResponseWriter, r *http.Request) {
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

	pagination.RunStream(conn, h.NotificationSource(user))
}

type reportRequest struct {
	TargetKind string `json:"target_kind"`
	TargetID   uint   `json:"target_id"`
	Reason     string `json:"reason,omitempty"`
}

func parseTargetKind(s string) (models.TargetKind, error) {
	switch s {
	case "post":
		return models.TargetPost, nil
	case "comment":
		return models.TargetComment, nil
	case "user":
		return models.TargetUser, nil
	}
	return 0, utils.InvalidArgument("invalid_target_kind")
}

func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	kind, err := parseTargetKind(req.TargetKind)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if err := h.agg.Report(user.ID, kind, req.TargetID, req.Reason); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) Absolve(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	kind, err := parseTargetKind(req.TargetKind)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if err := h.agg.Absolve(user, kind, req.TargetID); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterDevice stores a push endpoint for the caller. Re-registering
// an existing token refreshes its metadata.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	var device models.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	if _, err := expo.NewExponentPushToken(device.Token); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_push_token"))
		return
	}
	device.UserID = user.ID

	var existing models.Device
	result := h.db.Where("token = ? AND user_id = ?", device.Token, user.ID).First(&existing)
	if result.Error == nil {
		existing.DeviceType = device.DeviceType
		if err := h.db.Save(&existing).Error; err != nil {
			utils.WriteError(w, r, utils.Internal("device_update_failed", err))
			return
		}
		device = existing
	} else if err := h.db.Create(&device).Error; err != nil {
		utils.WriteError(w, r, utils.Internal("device_create_failed", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(device)
}

func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	deviceID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_device_id"))
		return
	}
	result := h.db.Where("id = ? AND user_id = ?", deviceID, user.ID).Delete(&models.Device{})
	if result.Error != nil {
		utils.WriteError(w, r, utils.Internal("device_delete_failed", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		utils.WriteError(w, r, utils.NotFound("device_not_found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
