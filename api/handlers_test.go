package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"

	"oikion-live/bridge"
	"oikion-live/bus"
	"oikion-live/cache"
	"oikion-live/dashboard"
	"oikion-live/domain"
	"oikion-live/notifier"
	"oikion-live/storage"
)

var testSecret = []byte("test-secret")

// failingStore fails every write while err is set. afterCommit runs once a
// write succeeded.
type failingStore struct {
	*storage.MemoryStore
	err         error
	afterCommit func()
}

func (s *failingStore) UpsertRecord(ctx context.Context, rec domain.Record) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	created, err := s.MemoryStore.UpsertRecord(ctx, rec)
	if err == nil && s.afterCommit != nil {
		s.afterCommit()
	}
	return created, err
}

type harness struct {
	e      *echo.Echo
	store  *failingStore
	bus    *bus.Bus
	redis  *miniredis.Miniredis
	deps   Deps
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()

	store := &failingStore{MemoryStore: storage.NewMemoryStore()}
	if err := store.AddOrganization(context.Background(), "o1", "Acme"); err != nil {
		t.Fatalf("add organization: %v", err)
	}
	eb := bus.New(bus.Options{Logger: logger})
	t.Cleanup(eb.Close)
	c := cache.New(cache.Options{Logger: logger})
	m, client := newTestRedis(t)
	n, err := notifier.New(notifier.Options{
		Bus:       eb,
		Cache:     c,
		Sequencer: notifier.NewRedisSequencer(client, ""),
		Resolver:  store,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	h := &harness{store: store, bus: eb, redis: m}
	if _, err := eb.Subscribe("o1", domain.EntityTypes, func(ev domain.ChangeEvent) error {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.deps = Deps{
		Store:     store,
		Notifier:  n,
		Dashboard: dashboard.NewAggregator(c, store, dashboard.Options{TTL: time.Minute, Logger: logger}),
		Auth:      NewSharedSecretAuth(testSecret, testAudience, testIssuer),
		Deduper:   NewRedisDeduper(client, time.Minute),
		Events:    eb,
		Bridge:    bridge.Options{Debounce: 20 * time.Millisecond, MaxWait: 100 * time.Millisecond, Logger: logger},
		Heartbeat: time.Hour,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&h.deps)
	}
	h.e = echo.New()
	Register(h.e, h.deps)
	return h
}

func (h *harness) do(t *testing.T, method, target, org, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if org != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, testSecret, "user-1", org))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

// waitEvents waits until n events were delivered and returns them.
func (h *harness) waitEvents(t *testing.T, n int) []domain.ChangeEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		got := append([]domain.ChangeEvent(nil), h.events...)
		h.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d events, got %d", n, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// settle gives the bus time to deliver anything still queued.
func (h *harness) settle() []domain.ChangeEvent {
	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ChangeEvent(nil), h.events...)
}

func decodeWrite(t *testing.T, rec *httptest.ResponseRecorder) writeResponse {
	t.Helper()
	var resp writeResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestPutEntityCreatesThenUpdates(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPut, "/api/entities/property/p1", "o1", `{"status":"listed","title":"Loft"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeWrite(t, rec)
	if created.Operation != domain.OperationCreated || created.Sequence != 1 {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if created.Record == nil || created.Record.Title != "Loft" {
		t.Fatalf("expected record in response, got %+v", created.Record)
	}

	rec = h.do(t, http.MethodPut, "/api/entities/properties/p1", "o1", `{"status":"sold"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if updated := decodeWrite(t, rec); updated.Operation != domain.OperationUpdated || updated.Sequence != 2 {
		t.Fatalf("unexpected update response: %+v", updated)
	}

	events := h.waitEvents(t, 2)
	if events[0].Operation != domain.OperationCreated || events[1].Operation != domain.OperationUpdated {
		t.Fatalf("unexpected operations: %+v", events)
	}
	if events[0].EntityID != "p1" || events[0].EntityType != domain.EntityProperty {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	stored, err := h.store.GetRecord(context.Background(), domain.EntityProperty, "o1", "p1")
	if err != nil || stored == nil {
		t.Fatalf("get record: %v %v", stored, err)
	}
	if stored.Status != "sold" {
		t.Fatalf("unexpected stored status: %s", stored.Status)
	}
}

func TestPutEntityReplayedIdempotencyKey(t *testing.T) {
	h := newHarness(t)

	first := h.do(t, http.MethodPut, "/api/entities/client/c1", "o1", `{"title":"Jane"}`, idempotencyHeader, "k1")
	if first.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d", first.Code)
	}
	second := h.do(t, http.MethodPut, "/api/entities/client/c1", "o1", `{"title":"Jane"}`, idempotencyHeader, "k1")
	if second.Code != http.StatusOK {
		t.Fatalf("unexpected replay status %d", second.Code)
	}
	if resp := decodeWrite(t, second); !resp.Duplicate {
		t.Fatalf("expected duplicate response, got %+v", resp)
	}
	if events := h.settle(); len(events) != 1 {
		t.Fatalf("replay must not notify again, got %d events", len(events))
	}
}

func TestPutEntityCommitFailureDoesNotNotify(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("table unavailable")

	rec := h.do(t, http.MethodPut, "/api/entities/property/p1", "o1", `{}`, idempotencyHeader, "k1")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if events := h.settle(); len(events) != 0 {
		t.Fatalf("failed commit must not notify, got %+v", events)
	}
	if h.redis.Exists("idem:o1:k1") {
		t.Fatalf("failed commit must release its idempotency key")
	}

	h.store.err = nil
	rec = h.do(t, http.MethodPut, "/api/entities/property/p1", "o1", `{}`, idempotencyHeader, "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry with the same key should commit, got %d", rec.Code)
	}
	h.waitEvents(t, 1)
}

func TestCommittedWriteNotifiesAfterClientHangsUp(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/dashboard", "o1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.afterCommit = cancel
	req := httptest.NewRequest(http.MethodPut, "/api/entities/property/p1", strings.NewReader(`{"status":"listed"}`)).WithContext(ctx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, testSecret, "user-1", "o1"))
	rec = httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	h.store.afterCommit = nil

	if resp := decodeWrite(t, rec); resp.Sequence != 1 {
		t.Fatalf("expected the committed write to be sequenced, got %+v", resp)
	}
	events := h.waitEvents(t, 1)
	if events[0].EntityID != "p1" || events[0].Operation != domain.OperationCreated {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if seq, err := h.redis.Get("seq:o1"); err != nil || seq != "1" {
		t.Fatalf("unexpected sequence counter %q: %v", seq, err)
	}

	// The cached dashboard was invalidated by the notification.
	rec = h.do(t, http.MethodGet, "/api/dashboard", "o1", "")
	var summary domain.DashboardSummary
	if err := sonic.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Properties.Total != 1 {
		t.Fatalf("expected fresh dashboard after hang up, got %+v", summary.Properties)
	}
}

func TestDeleteEntity(t *testing.T) {
	h := newHarness(t)

	if rec := h.do(t, http.MethodDelete, "/api/entities/activity/a1", "o1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing record, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPut, "/api/entities/activity/a1", "o1", `{"title":"Viewing"}`); rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	rec := h.do(t, http.MethodDelete, "/api/entities/activity/a1", "o1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	events := h.waitEvents(t, 2)
	if events[1].Operation != domain.OperationDeleted {
		t.Fatalf("expected deleted event, got %+v", events[1])
	}
}

func TestWriteRejectsBadRequests(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		target string
		org    string
		body   string
		want   int
	}{
		{name: "noAuth", target: "/api/entities/property/p1", want: http.StatusUnauthorized},
		{name: "unknownOrg", target: "/api/entities/property/p1", org: "ghost", want: http.StatusForbidden},
		{name: "unknownType", target: "/api/entities/invoice/i1", org: "o1", want: http.StatusBadRequest},
		{name: "badBody", target: "/api/entities/property/p1", org: "o1", body: `{"fields":[}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := h.do(t, http.MethodPut, tt.target, tt.org, tt.body); rec.Code != tt.want {
				t.Fatalf("unexpected status %d, want %d", rec.Code, tt.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPut, "/api/entities/property/p1", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, testSecret, "user-1", ""))
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("token without organization should be forbidden, got %d", rec.Code)
	}

	if events := h.settle(); len(events) != 0 {
		t.Fatalf("rejected writes must not notify, got %+v", events)
	}
}

func TestGetDashboard(t *testing.T) {
	h := newHarness(t)

	if rec := h.do(t, http.MethodPut, "/api/entities/property/p1", "o1", `{"status":"listed"}`); rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	rec := h.do(t, http.MethodGet, "/api/dashboard?page=0&pageSize=5", "o1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var summary domain.DashboardSummary
	if err := sonic.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.OrganizationID != "o1" || summary.Properties.Total != 1 || summary.Properties.ByStatus["listed"] != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.PageSize != 5 {
		t.Fatalf("unexpected page size: %d", summary.PageSize)
	}

	if rec := h.do(t, http.MethodGet, "/api/dashboard?pageSize=1000", "o1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized page, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/dashboard", "ghost", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown organization, got %d", rec.Code)
	}
}

func TestPostOrganizationRegistersCaller(t *testing.T) {
	h := newHarness(t)

	if rec := h.do(t, http.MethodGet, "/api/dashboard", "o2", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before registration, got %d", rec.Code)
	}
	rec := h.do(t, http.MethodPost, "/api/organizations", "o2", `{"name":" Beta "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var org Organization
	if err := sonic.Unmarshal(rec.Body.Bytes(), &org); err != nil {
		t.Fatalf("decode organization: %v", err)
	}
	if org.ID != "o2" || org.Name != "Beta" {
		t.Fatalf("unexpected organization: %+v", org)
	}
	if rec := h.do(t, http.MethodGet, "/api/dashboard", "o2", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after registration, got %d", rec.Code)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(d *Deps) {
		d.Registerer = reg
		d.Gatherer = reg
	})

	if rec := h.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected healthz status %d", rec.Code)
	}
	rec := h.do(t, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: domain.ErrNotFoundOrganization, want: http.StatusForbidden},
		{err: domain.ErrUnknownEntityType, want: http.StatusBadRequest},
		{err: domain.ErrUnknownOperation, want: http.StatusBadRequest},
		{err: domain.ErrNotFoundRecord, want: http.StatusNotFound},
		{err: cache.ErrTimeout, want: http.StatusGatewayTimeout},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
