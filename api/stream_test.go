package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"oikion-live/domain"
)

// readFrame returns the payload of the next data frame, skipping comments.
func readFrame(t *testing.T, r *bufio.Reader) domain.DashboardSummary {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var summary domain.DashboardSummary
		if err := sonic.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &summary); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		return summary
	}
}

func openStream(t *testing.T, ctx context.Context, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	return resp
}

func TestStreamPushesFrameAfterChange(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	token := signToken(t, testSecret, "user-1", "o1")
	resp := openStream(t, ctx, srv.URL+"/api/stream?types=property&token="+token)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	initial := readFrame(t, r)
	if initial.OrganizationID != "o1" || initial.Properties.Total != 0 {
		t.Fatalf("unexpected initial frame: %+v", initial)
	}

	if rec := h.do(t, http.MethodPut, "/api/entities/property/p1", "o1", `{"status":"listed"}`); rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	next := readFrame(t, r)
	if next.Properties.Total != 1 {
		t.Fatalf("expected refreshed frame with one property, got %+v", next)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	// The harness keeps one subscription of its own.
	for h.bus.SubscriberCount("o1") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stream subscription not released, have %d", h.bus.SubscriberCount("o1"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamRejectsBadRequests(t *testing.T) {
	h := newHarness(t)

	if rec := h.do(t, http.MethodGet, "/api/stream", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/stream?types=invoice", "o1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/stream", "ghost", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if h.bus.SubscriberCount("o1") != 1 {
		t.Fatalf("rejected streams must not subscribe")
	}
}
