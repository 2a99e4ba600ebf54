package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/broadcast"
	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/notify"
	"github.com/heraldhq/herald/internal/prefs"
	"github.com/heraldhq/herald/internal/queue"
)

// NotificationService is the notification lifecycle surface the API exposes.
type NotificationService interface {
	CreateNotification(ctx context.Context, req notify.CreateRequest) (*db.Notification, error)
	CreateNotifications(ctx context.Context, reqs []notify.CreateRequest) ([]*db.Notification, error)
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	GetNotifications(ctx context.Context, userID uuid.UUID, f db.ListFilters) ([]*db.Notification, error)
	MarkAsRead(ctx context.Context, userID, id uuid.UUID) error
	MarkManyAsRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error)
	MarkAllAsRead(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteNotification(ctx context.Context, userID, id uuid.UUID) error
	DeleteNotifications(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int64, error)
	GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error)
	UpdatePreferences(ctx context.Context, userID uuid.UUID, update prefs.Update) (*db.Preferences, error)
}

// Broadcaster fans one message out to a resolved audience.
type Broadcaster interface {
	SendBroadcast(ctx context.Context, msg broadcast.Message, segment broadcast.Segment) (*broadcast.Result, error)
}

// QueueAdmin is the queue management surface.
type QueueAdmin interface {
	QueueStats(ctx context.Context) queue.Stats
	PauseAll(ctx context.Context)
	ResumeAll(ctx context.Context)
	CleanAll(ctx context.Context, olderThan time.Duration) int64
	Clean(ctx context.Context, channel db.Channel, olderThan time.Duration) (int64, error)
	RetryFailedJob(ctx context.Context, jobID uuid.UUID) (*queue.Job, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	service     NotificationService
	broadcaster Broadcaster
	queues      QueueAdmin
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, service NotificationService, broadcaster Broadcaster, queues QueueAdmin) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		broadcaster: broadcaster,
		queues:      queues,
	}
}

// Routes mounts every handler on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notifications", h.CreateNotification)
	r.Post("/notifications/bulk", h.CreateNotifications)
	r.Get("/notifications", h.ListNotifications)
	r.Get("/notifications/unread-count", h.UnreadCount)
	r.Post("/notifications/read", h.MarkManyAsRead)
	r.Post("/notifications/read-all", h.MarkAllAsRead)
	r.Delete("/notifications", h.DeleteNotifications)
	r.Get("/notifications/{id}", h.GetNotification)
	r.Post("/notifications/{id}/read", h.MarkAsRead)
	r.Delete("/notifications/{id}", h.DeleteNotification)

	r.Get("/preferences/{userID}", h.GetPreferences)
	r.Put("/preferences/{userID}", h.UpdatePreferences)

	r.Post("/broadcasts", h.SendBroadcast)

	r.Get("/queues/stats", h.QueueStats)
	r.Post("/queues/pause", h.PauseQueues)
	r.Post("/queues/resume", h.ResumeQueues)
	r.Post("/queues/clean", h.CleanQueues)
	r.Post("/queues/jobs/{id}/retry", h.RetryFailedJob)
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req notify.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	notif, err := h.service.CreateNotification(ctx, req)
	if err != nil {
		h.writeServiceError(w, err, "create notification")
		return
	}

	h.logger.Info("notification created",
		zap.String("id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
		zap.String("type", string(notif.Type)),
		zap.String("status", string(notif.Status)),
	)

	h.writeJSON(w, http.StatusCreated, notif)
}

// CreateNotifications handles POST /v1/notifications/bulk. The batch goes
// to the queue in one submission so near-duplicates collapse into batched
// jobs.
func (h *Handler) CreateNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqs []notify.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(reqs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Empty batch", "at least one notification is required")
		return
	}

	notifs, err := h.service.CreateNotifications(ctx, reqs)
	if err != nil {
		h.writeServiceError(w, err, "create notification batch")
		return
	}

	h.logger.Info("notification batch created", zap.Int("count", len(notifs)))

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data":  notifs,
		"count": len(notifs),
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	notif, err := h.service.GetNotification(ctx, id)
	if err != nil {
		h.writeServiceError(w, err, "get notification")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// ListNotifications handles GET /v1/notifications?user_id=xxx&type=&status=&priority=&from=&to=&limit=&offset=&include_expired=
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.parseUserQuery(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filters := db.ListFilters{
		Type:     db.NotificationType(q.Get("type")),
		Status:   db.Status(q.Get("status")),
		Priority: db.Priority(q.Get("priority")),
	}

	if filters.Type != "" && !filters.Type.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type filter", "unknown notification type")
		return
	}
	if filters.Status != "" && !filters.Status.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status filter", "unknown status")
		return
	}
	if filters.Priority != "" && !filters.Priority.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority filter", "unknown priority")
		return
	}

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from filter", "from must be RFC3339")
			return
		}
		filters.From = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to filter", "to must be RFC3339")
			return
		}
		filters.To = &t
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filters.Limit = l
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filters.Offset = o
		}
	}
	filters.IncludeExpired = q.Get("include_expired") == "true"

	notifications, err := h.service.GetNotifications(ctx, userID, filters)
	if err != nil {
		h.writeServiceError(w, err, "list notifications")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   notifications,
		"count":  len(notifications),
		"limit":  filters.Limit,
		"offset": filters.Offset,
	})
}

// UnreadCount handles GET /v1/notifications/unread-count?user_id=xxx
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.parseUserQuery(w, r)
	if !ok {
		return
	}

	count, err := h.service.CountUnread(ctx, userID)
	if err != nil {
		h.writeServiceError(w, err, "count unread")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"unread": count})
}

// MarkAsRead handles POST /v1/notifications/{id}/read?user_id=xxx
func (h *Handler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.parseUserQuery(w, r)
	if !ok {
		return
	}

	if err := h.service.MarkAsRead(ctx, userID, id); err != nil {
		h.writeServiceError(w, err, "mark as read")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": string(db.StatusRead),
	})
}

type idsRequest struct {
	UserID uuid.UUID   `json:"user_id"`
	IDs    []uuid.UUID `json:"ids"`
}

// MarkManyAsRead handles POST /v1/notifications/read
func (h *Handler) MarkManyAsRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.parseIDs(w, r)
	if !ok {
		return
	}

	updated, err := h.service.MarkManyAsRead(ctx, req.UserID, req.IDs)
	if err != nil {
		h.writeServiceError(w, err, "mark many as read")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// MarkAllAsRead handles POST /v1/notifications/read-all?user_id=xxx
func (h *Handler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.parseUserQuery(w, r)
	if !ok {
		return
	}

	updated, err := h.service.MarkAllAsRead(ctx, userID)
	if err != nil {
		h.writeServiceError(w, err, "mark all as read")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// DeleteNotification handles DELETE /v1/notifications/{id}?user_id=xxx
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.parseUserQuery(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteNotification(ctx, userID, id); err != nil {
		h.writeServiceError(w, err, "delete notification")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteNotifications handles DELETE /v1/notifications
func (h *Handler) DeleteNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.parseIDs(w, r)
	if !ok {
		return
	}

	deleted, err := h.service.DeleteNotifications(ctx, req.UserID, req.IDs)
	if err != nil {
		h.writeServiceError(w, err, "delete notifications")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// GetPreferences handles GET /v1/preferences/{userID}
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.parseID(w, r, "userID")
	if !ok {
		return
	}

	p, err := h.service.GetPreferences(ctx, userID)
	if err != nil {
		h.writeServiceError(w, err, "get preferences")
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

// UpdatePreferences handles PUT /v1/preferences/{userID}
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.parseID(w, r, "userID")
	if !ok {
		return
	}

	var update prefs.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	updated, err := h.service.UpdatePreferences(ctx, userID, update)
	if err != nil {
		h.writeServiceError(w, err, "update preferences")
		return
	}

	h.logger.Info("preferences updated",
		zap.String("user_id", userID.String()),
	)

	h.writeJSON(w, http.StatusOK, updated)
}

type broadcastRequest struct {
	Message broadcast.Message `json:"message"`
	Segment broadcast.Segment `json:"segment"`
}

// SendBroadcast handles POST /v1/broadcasts
func (h *Handler) SendBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	result, err := h.broadcaster.SendBroadcast(ctx, req.Message, req.Segment)
	if err != nil {
		h.writeServiceError(w, err, "send broadcast")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// QueueStats handles GET /v1/queues/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats := h.queues.QueueStats(r.Context())
	h.writeJSON(w, http.StatusOK, stats)
}

// PauseQueues handles POST /v1/queues/pause
func (h *Handler) PauseQueues(w http.ResponseWriter, r *http.Request) {
	h.queues.PauseAll(r.Context())
	h.logger.Info("delivery queues paused")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeQueues handles POST /v1/queues/resume
func (h *Handler) ResumeQueues(w http.ResponseWriter, r *http.Request) {
	h.queues.ResumeAll(r.Context())
	h.logger.Info("delivery queues resumed")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type cleanRequest struct {
	Channel   db.Channel `json:"channel,omitempty"`
	OlderThan string     `json:"older_than,omitempty"`
}

// CleanQueues handles POST /v1/queues/clean
func (h *Handler) CleanQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req cleanRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	olderThan := 24 * time.Hour
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid older_than", "older_than must be a positive duration like \"24h\"")
			return
		}
		olderThan = d
	}

	var removed int64
	if req.Channel != "" {
		if !req.Channel.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be one of in_app, push, email, sms")
			return
		}
		n, err := h.queues.Clean(ctx, req.Channel, olderThan)
		if err != nil {
			h.writeServiceError(w, err, "clean queue")
			return
		}
		removed = n
	} else {
		removed = h.queues.CleanAll(ctx, olderThan)
	}

	h.logger.Info("delivery queues cleaned",
		zap.String("channel", string(req.Channel)),
		zap.Int64("removed", removed),
	)

	h.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// RetryFailedJob handles POST /v1/queues/jobs/{id}/retry
func (h *Handler) RetryFailedJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.queues.RetryFailedJob(ctx, jobID)
	if err != nil {
		h.writeServiceError(w, err, "retry failed job")
		return
	}

	h.logger.Info("failed job requeued",
		zap.String("job_id", job.ID.String()),
		zap.String("channel", string(job.Channel)),
	)

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     job.ID.String(),
		"status": "requeued",
	})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+param, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) parseUserQuery(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Handler) parseIDs(w http.ResponseWriter, r *http.Request) (idsRequest, bool) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return req, false
	}
	if req.UserID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id is required")
		return req, false
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing ids", "ids must be a non-empty array")
		return req, false
	}
	return req, true
}

// writeServiceError maps domain errors onto problem+json responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	var dupErr *db.DuplicateError
	if errors.As(err, &dupErr) {
		h.writeError(w, http.StatusConflict, "duplicate_notification", "Duplicate notification", dupErr.Error())
		return
	}

	var valErr *db.ValidationError
	if errors.As(err, &valErr) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", valErr.Error())
		return
	}

	if errors.Is(err, db.ErrNotFound) || errors.Is(err, queue.ErrJobNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", "")
		return
	}

	h.logger.Error("request failed",
		zap.Error(err),
		zap.String("operation", op),
	)
	h.writeError(w, http.StatusInternalServerError, "internal_error", "Request failed", "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
