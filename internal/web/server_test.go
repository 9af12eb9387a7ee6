package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-expand/internal/config"
	"github.com/kozaktomas/face-expand/internal/database"
	"github.com/kozaktomas/face-expand/internal/database/mock"
	"github.com/kozaktomas/face-expand/internal/expand"
	"github.com/kozaktomas/face-expand/internal/progress"
	"github.com/kozaktomas/face-expand/internal/queue"
)

type testServer struct {
	*httptest.Server
	store    *mock.MockStore
	progress *progress.MemoryStore
	queue    *queue.LocalDispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		Web:      config.WebConfig{Host: "127.0.0.1", Port: 0},
		Progress: config.ProgressConfig{ObserverTimeout: 2 * time.Second},
	}

	store := mock.NewMockStore()
	ps := progress.NewMemoryStore(time.Hour)
	registry := queue.NewRegistry()
	dispatcher := queue.NewLocalDispatcher(registry, queue.Options{Workers: 2}, zap.NewNop())
	t.Cleanup(dispatcher.Close)

	opts := expand.DefaultOptions()
	opts.Subscribe = progress.SubscribeOptions{PollInterval: 10 * time.Millisecond, ObserverTimeout: 2 * time.Second}
	service := expand.NewService(store, nil, ps, dispatcher, opts, zap.NewNop())
	service.Register(registry)

	srv := httptest.NewServer(NewServer(cfg, service, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, progress: ps, queue: dispatcher}
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_ExpandAndStream(t *testing.T) {
	srv := newTestServer(t)
	person := srv.store.AddPerson("Alice")
	for i := range 12 {
		srv.store.AddFace(database.Face{PhotoUID: fmt.Sprintf("a-%d", i), Embedding: []float32{1, float32(i) * 0.01},
			PersonID: person.ID})
	}
	for i := range 5 {
		srv.store.AddFace(database.Face{PhotoUID: fmt.Sprintf("u-%d", i), Embedding: []float32{1, 0.2 + float32(i)*0.01}})
	}

	resp, err := http.Post(fmt.Sprintf("%s/api/v1/persons/%d/expand", srv.URL, person.ID), "application/json",
		strings.NewReader(`{"prototype_count": "all", "suggestion_cap": 3}`))
	if err != nil {
		t.Fatal(err)
	}
	var sub expand.Submission
	decodeBody(t, resp, &sub)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/progress/" + sub.ProgressToken + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var last progress.Record
	for {
		var rec progress.Record
		if err := conn.ReadJSON(&rec); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		if rec.Version <= last.Version {
			t.Errorf("record version went from %d to %d", last.Version, rec.Version)
		}
		last = rec
	}

	if last.Phase != progress.PhaseCompleted {
		t.Fatalf("expected completed, got %+v", last)
	}
	if last.Result.SuggestionsCreated != 3 || last.Result.CandidatesFound != 5 {
		t.Errorf("unexpected result %+v", last.Result)
	}
	if got := srv.store.PendingCount(person.ID); got != 3 {
		t.Errorf("pending suggestions = %d, want 3", got)
	}

	resp, err = http.Get(srv.URL + "/api/v1/progress/" + sub.ProgressToken)
	if err != nil {
		t.Fatal(err)
	}
	var rec progress.Record
	decodeBody(t, resp, &rec)
	if rec.Phase != progress.PhaseCompleted {
		t.Errorf("polled phase = %s, want completed", rec.Phase)
	}
}

func TestServer_WebSocketUnknownToken(t *testing.T) {
	srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/progress/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %+v", resp)
	}
}

func TestServer_Routes(t *testing.T) {
	srv := newTestServer(t)
	person := srv.store.AddPerson("Bob")

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, fmt.Sprintf("/api/v1/persons/%d/suggestions?status=pending", person.ID), "", http.StatusOK},
		{http.MethodPost, fmt.Sprintf("/api/v1/persons/%d/expand", person.ID), "{}", http.StatusUnprocessableEntity},
		{http.MethodPost, "/api/v1/suggestions/accept", `{"suggestion_ids": []}`, http.StatusOK},
		{http.MethodPost, "/api/v1/suggestions/reject", `{"suggestion_ids": [1]}`, http.StatusOK},
		{http.MethodGet, "/api/v1/progress/unknown", "", http.StatusNotFound},
		{http.MethodGet, "/api/v1/progress/unknown/events", "", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/suggestions/accept", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequestWithContext(context.Background(), tt.method, srv.URL+tt.path,
				strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
