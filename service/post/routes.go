package post

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/drift-social/Drift-server/config"
	"github.com/drift-social/Drift-server/service/notification"
	"github.com/drift-social/Drift-server/service/pagination"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type Handler struct {
	db    *gorm.DB
	cfg   *config.Config
	agg   *notification.Aggregator
	slots *pagination.Slots
}

func NewHandler(db *gorm.DB, cfg *config.Config, agg *notification.Aggregator, slots *pagination.Slots) *Handler {
	return &Handler{db: db, cfg: cfg, agg: agg, slots: slots}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	// Post lifecycle
	router.HandleFunc("/posts", utils.AuthMiddleware(h.CreatePost)).Methods("POST")
	router.HandleFunc("/posts/{id}", utils.OptionalAuth(h.GetPost)).Methods("GET")
	router.HandleFunc("/posts/{id}/publish", utils.AuthMiddleware(h.PublishPost)).Methods("POST")
	router.HandleFunc("/posts/{id}", utils.AuthMiddleware(h.DeletePost)).Methods("DELETE")

	// Chapters
	router.HandleFunc("/posts/{id}/chapters", utils.AuthMiddleware(h.AddChapterRoute)).Methods("POST")
	router.HandleFunc("/chapters/{id}", utils.AuthMiddleware(h.UpdateChapterRoute)).Methods("PUT")
	router.HandleFunc("/chapters/{id}/move", utils.AuthMiddleware(h.MoveChapterRoute)).Methods("POST")
	router.HandleFunc("/chapters/{id}", utils.AuthMiddleware(h.RemoveChapterRoute)).Methods("DELETE")

	// Comments
	router.HandleFunc("/posts/{id}/comments", utils.AuthMiddleware(h.AddComment)).Methods("POST")
	router.HandleFunc("/comments/{id}", utils.AuthMiddleware(h.DeleteCommentRoute)).Methods("DELETE")
	router.HandleFunc("/posts/{id}/comments/stream", utils.OptionalAuth(h.StreamComments))

	// Paginated post lists
	router.HandleFunc("/posts/archive/stream", utils.AuthMiddleware(h.StreamArchive))
	router.HandleFunc("/posts/own/stream", utils.AuthMiddleware(h.StreamOwnPosts))
	router.HandleFunc("/posts/drafts/stream", utils.AuthMiddleware(h.StreamDrafts))
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

// optionalCaller returns nil for anonymous requests.
func (h *Handler) optionalCaller(r *http.Request) *models.User {
	user, err := h.caller(r)
	if err != nil {
		return nil
	}
	return user
}

func pathID(r *http.Request, key string) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)[key], 10, 64)
	if err != nil {
		return 0, utils.InvalidArgument("invalid_id")
	}
	return uint(id), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	p, err := h.CreateDraft(user.ID)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	postID, err := pathID(r, "id")
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	p, err := h.Get(h.optionalCaller(r), postID)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type publishRequest struct {
	Anonymous bool `json:"anonymous"`
}

func (h *Handler) PublishPost(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	postID, err := pathID(r, "id")
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	var req publishRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	p, err := h.Publish(user.ID, postID, req.Anonymous)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	postID, err := pathID(r, "id")
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if err := h.Delete(user, postID); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chapterRequest struct {
	Index     int    `json:"index"`
	Text      string `json:"text,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
}

func (h *Handler) AddChapterRoute(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	postID, err := pathID(r, "id")
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	var req chapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	chapter, err := h.AddChapter(user.ID, postID, req.Index, req.Text, req.ImagePath)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, chapter)
}

func (h *Handler) UpdateChapterRoute(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	chapterID, err := pathID(r, "id")
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	var req chapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	chapter, err := h.UpdateChapter(user.ID, chapterID, req.Text, req.ImagePath)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chapter)
}

func (h *Handler) MoveChapterRoute(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	chapterID, err := pathID(r, "id")
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	var req chapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	chapter, err := h.MoveChapter(user.ID, chapterID, req.Index)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chapter)
}

func (h *Handler) RemoveChapterRoute(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	chapterID, err := pathID(r, "id")
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if err := h.RemoveChapter(user.ID, chapterID); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commentRequest struct {
	Text string `json:"text"`
}

func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	postID, err := pathID(r, "id")
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	comment, err := h.CreateComment(user, postID, req.Text)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (h *Handler) DeleteCommentRoute(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	commentID, err := pathID(r, "id")
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if err := h.DeleteComment(user, commentID); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, run func(conn *websocket.Conn)) {
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
	run(conn)
}

func (h *Handler) StreamComments(w http.ResponseWriter, r *http.Request) {
	postID, err := pathID(r, "id")
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	viewer := h.optionalCaller(r)
	if _, err := readablePost(h.db, viewer, postID); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	h.stream(w, r, func(conn *websocket.Conn) {
		pagination.RunStream(conn, h.CommentsSource(viewer, postID))
	})
}

func (h *Handler) StreamArchive(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	h.stream(w, r, func(conn *websocket.Conn) {
		pagination.RunStream(conn, h.ArchiveSource(user))
	})
}

func (h *Handler) StreamOwnPosts(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	h.stream(w, r, func(conn *websocket.Conn) {
		pagination.RunStream(conn, h.OwnPostsSource(user))
	})
}

func (h *Handler) StreamDrafts(w http.ResponseWriter, r *http.Request) {
	user, err := h.caller(r)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	h.stream(w, r, func(conn *websocket.Conn) {
		pagination.RunStream(conn, h.DraftsSource(user))
	})
}
