package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
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

// MockService is a fake notification service for handler tests.
type MockService struct {
	notifications map[uuid.UUID]*db.Notification

	createErr error
	readErr   error
}

func NewMockService() *MockService {
	return &MockService{notifications: make(map[uuid.UUID]*db.Notification)}
}

func (m *MockService) CreateNotification(ctx context.Context, req notify.CreateRequest) (*db.Notification, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	notif := &db.Notification{
		ID:       uuid.New(),
		UserID:   req.UserID,
		Type:     req.Type,
		Title:    req.Title,
		Content:  req.Content,
		Priority: db.PriorityNormal,
		Status:   db.StatusPending,
	}
	m.notifications[notif.ID] = notif
	return notif, nil
}

func (m *MockService) CreateNotifications(ctx context.Context, reqs []notify.CreateRequest) ([]*db.Notification, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	out := make([]*db.Notification, 0, len(reqs))
	for _, req := range reqs {
		notif, err := m.CreateNotification(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, notif)
	}
	return out, nil
}

func (m *MockService) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	notif, ok := m.notifications[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return notif, nil
}

func (m *MockService) GetNotifications(ctx context.Context, userID uuid.UUID, f db.ListFilters) ([]*db.Notification, error) {
	var out []*db.Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MockService) MarkAsRead(ctx context.Context, userID, id uuid.UUID) error {
	if m.readErr != nil {
		return m.readErr
	}
	if _, ok := m.notifications[id]; !ok {
		return db.ErrNotFound
	}
	return nil
}

func (m *MockService) MarkManyAsRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error) {
	return int64(len(ids)), nil
}

func (m *MockService) MarkAllAsRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 2, nil
}

func (m *MockService) DeleteNotification(ctx context.Context, userID, id uuid.UUID) error {
	if _, ok := m.notifications[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.notifications, id)
	return nil
}

func (m *MockService) DeleteNotifications(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error) {
	return int64(len(ids)), nil
}

func (m *MockService) CountUnread(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 4, nil
}

func (m *MockService) GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error) {
	return &db.Preferences{UserID: userID, Frequency: db.FrequencyImmediate}, nil
}

func (m *MockService) UpdatePreferences(ctx context.Context, userID uuid.UUID, update prefs.Update) (*db.Preferences, error) {
	if update.Frequency != nil && !update.Frequency.Valid() {
		return nil, db.NewValidationError("frequency", "unknown frequency %q", *update.Frequency)
	}
	return &db.Preferences{UserID: userID}, nil
}

type MockBroadcaster struct {
	result *broadcast.Result
	err    error
}

func (m *MockBroadcaster) SendBroadcast(ctx context.Context, msg broadcast.Message, segment broadcast.Segment) (*broadcast.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type MockQueueAdmin struct {
	stats      queue.Stats
	paused     bool
	resumed    bool
	cleaned    int64
	retryErr   error
	retriedJob *queue.Job
}

func (m *MockQueueAdmin) QueueStats(ctx context.Context) queue.Stats { return m.stats }
func (m *MockQueueAdmin) PauseAll(ctx context.Context)               { m.paused = true }
func (m *MockQueueAdmin) ResumeAll(ctx context.Context)              { m.resumed = true }

func (m *MockQueueAdmin) CleanAll(ctx context.Context, olderThan time.Duration) int64 {
	return m.cleaned
}

func (m *MockQueueAdmin) Clean(ctx context.Context, channel db.Channel, olderThan time.Duration) (int64, error) {
	return m.cleaned, nil
}

func (m *MockQueueAdmin) RetryFailedJob(ctx context.Context, jobID uuid.UUID) (*queue.Job, error) {
	if m.retryErr != nil {
		return nil, m.retryErr
	}
	return m.retriedJob, nil
}

func newTestRouter(service NotificationService, broadcaster Broadcaster, queues QueueAdmin) *chi.Mux {
	h := NewHandler(zap.NewNop(), service, broadcaster, queues)
	r := chi.NewRouter()
	r.Route("/v1", h.Routes)
	return r
}

func TestCreateNotificationReturns201(t *testing.T) {
	svc := NewMockService()
	router := newTestRouter(svc, &MockBroadcaster{}, &MockQueueAdmin{})

	body := fmt.Sprintf(`{"user_id":%q,"type":"chat_message","title":"hi"}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var notif db.Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &notif); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if notif.ID == uuid.Nil {
		t.Error("response should carry the new id")
	}
}

func TestCreateNotificationsBulkReturns201(t *testing.T) {
	svc := NewMockService()
	router := newTestRouter(svc, &MockBroadcaster{}, &MockQueueAdmin{})

	userID := uuid.New()
	body := fmt.Sprintf(`[
		{"user_id":%q,"type":"chat_message","title":"one"},
		{"user_id":%q,"type":"chat_message","title":"two"}
	]`, userID, userID)
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/bulk", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Count int               `json:"count"`
		Data  []db.Notification `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 || len(resp.Data) != 2 {
		t.Errorf("count = %d, data = %d entries, want 2 and 2", resp.Count, len(resp.Data))
	}
}

func TestCreateNotificationsBulkRejectsEmptyBatch(t *testing.T) {
	router := newTestRouter(NewMockService(), &MockBroadcaster{}, &MockQueueAdmin{})

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/bulk", bytes.NewBufferString(`[]`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateNotificationMalformedBody(t *testing.T) {
	router := newTestRouter(NewMockService(), &MockBroadcaster{}, &MockQueueAdmin{})

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q, want problem+json", ct)
	}
}

func TestCreateNotificationValidationMapsTo400(t *testing.T) {
	svc := NewMockService()
	svc.createErr = db.NewValidationError("title", "is required")
	router := newTestRouter(svc, &MockBroadcaster{}, &MockQueueAdmin{})

	body := fmt.Sprintf(`{"user_id":%q,"type":"chat_message"}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateNotificationDuplicateMapsTo409(t *testing.T) {
	svc := NewMockService()
	svc.createErr = db.NewDuplicateError(uuid.New().String())
	router := newTestRouter(svc, &MockBroadcaster{}, &MockQueueAdmin{})

	body := fmt.Sprintf(`{"user_id":%q,"type":"chat_message","title":"hi"}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errResp.Type != "duplicate_notification" {
		t.Errorf("error type = %q", errResp.Type)
	}
}

func TestGetNotificationNotFoundMapsTo404(t *testing.T) {
	router := newTestRouter(NewMockService(), &MockBroadcaster{}, &MockQueueAdmin{})

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListNotificationsRequiresUserID(t *testing.T) {
	router := newTestRouter(NewMockService(), &MockBroadcaster{}, &MockQueueAdmin{})

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListNotificationsRejectsBadFilter(t *testing.T) {
	router := newTestRouter(NewMockService(), &MockBroadcaster{}, &MockQueueAdmin{})

	url := "/v1/notifications?user_id=" + uuid.NewString() + "&status=lost"
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMarkManyAsReadRequiresIDs(t *testing.T) {
	router := newTestRouter(NewMockService(), &MockBroadcaster{}, &MockQueueAdmin{})

	body := fmt.Sprintf(`{"user_id":%q,"ids":[]}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/read", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteNotificationReturns204(t *testing.T) {
	svc := NewMockService()
	notif, _ := svc.CreateNotification(context.Background(), notify.CreateRequest{
		UserID: uuid.New(),
		Type:   db.TypeChatMessage,
		Title:  "hi",
	})
	router := newTestRouter(svc, &MockBroadcaster{}, &MockQueueAdmin{})

	url := fmt.Sprintf("/v1/notifications/%s?user_id=%s", notif.ID, notif.UserID)
	req := httptest.NewRequest(http.MethodDelete, url, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestSendBroadcastReturnsResult(t *testing.T) {
	b := &MockBroadcaster{result: &broadcast.Result{Sent: 4, Suppressed: 2}}
	router := newTestRouter(NewMockService(), b, &MockQueueAdmin{})

	body := `{"message":{"type":"promotional","title":"sale"},"segment":{"all":true}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/broadcasts", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var result broadcast.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Sent != 4 || result.Suppressed != 2 {
		t.Errorf("result = %+v", result)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	admin := &MockQueueAdmin{stats: queue.Stats{Waiting: 7, Failed: 1}}
	router := newTestRouter(NewMockService(), &MockBroadcaster{}, admin)

	req := httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var stats queue.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Waiting != 7 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPauseAndResumeQueues(t *testing.T) {
	admin := &MockQueueAdmin{}
	router := newTestRouter(NewMockService(), &MockBroadcaster{}, admin)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queues/pause", nil))
	if rec.Code != http.StatusOK || !admin.paused {
		t.Errorf("pause: status = %d, paused = %v", rec.Code, admin.paused)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queues/resume", nil))
	if rec.Code != http.StatusOK || !admin.resumed {
		t.Errorf("resume: status = %d, resumed = %v", rec.Code, admin.resumed)
	}
}

func TestCleanQueuesRejectsBadDuration(t *testing.T) {
	router := newTestRouter(NewMockService(), &MockBroadcaster{}, &MockQueueAdmin{})

	body := `{"older_than":"soon"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/queues/clean", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRetryFailedJobNotFoundMapsTo404(t *testing.T) {
	admin := &MockQueueAdmin{retryErr: queue.ErrJobNotFound}
	router := newTestRouter(NewMockService(), &MockBroadcaster{}, admin)

	req := httptest.NewRequest(http.MethodPost, "/v1/queues/jobs/"+uuid.NewString()+"/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRetryFailedJobRequeues(t *testing.T) {
	job := &queue.Job{ID: uuid.New(), Channel: db.ChannelEmail}
	admin := &MockQueueAdmin{retriedJob: job}
	router := newTestRouter(NewMockService(), &MockBroadcaster{}, admin)

	req := httptest.NewRequest(http.MethodPost, "/v1/queues/jobs/"+job.ID.String()+"/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}
