package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-expand/internal/database"
	"github.com/kozaktomas/face-expand/internal/database/mock"
	"github.com/kozaktomas/face-expand/internal/expand"
	"github.com/kozaktomas/face-expand/internal/progress"
	"github.com/kozaktomas/face-expand/internal/queue"
)

// recordingDispatcher accepts tasks without running them
type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (d *recordingDispatcher) Enqueue(ctx context.Context, task queue.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

type testEnv struct {
	store      *mock.MockStore
	progress   *progress.MemoryStore
	dispatcher *recordingDispatcher
	service    *expand.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:      mock.NewMockStore(),
		progress:   progress.NewMemoryStore(time.Hour),
		dispatcher: &recordingDispatcher{},
	}
	opts := expand.DefaultOptions()
	opts.Subscribe = progress.SubscribeOptions{PollInterval: 10 * time.Millisecond, ObserverTimeout: time.Second}
	env.service = expand.NewService(env.store, nil, env.progress, env.dispatcher, opts, zap.NewNop())
	return env
}

// addPerson stores a person with the given number of labeled faces
func (e *testEnv) addPerson(name string, labeled int) *database.Person {
	p := e.store.AddPerson(name)
	for i := range labeled {
		e.store.AddFace(database.Face{
			PhotoUID:  fmt.Sprintf("%s-%d", name, i),
			Embedding: []float32{1, float32(i) * 0.01},
			PersonID:  p.ID,
		})
	}
	return p
}

// addPending stores an unassigned face with a pending suggestion and returns the suggestion id
func (e *testEnv) addPending(t *testing.T, personID int64, confidence float64) int64 {
	t.Helper()
	face := e.store.AddFace(database.Face{PhotoUID: "loose", Embedding: []float32{1, 0.5}})
	if _, err := e.store.InsertPending(context.Background(), database.NewSuggestion{
		FaceID: face.ID, PersonID: personID, Confidence: confidence, Source: database.SourcePipeline,
	}); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	list, err := e.store.ListSuggestions(context.Background(), personID, database.SuggestionPending, 1000)
	if err != nil {
		t.Fatalf("list suggestions: %v", err)
	}
	for _, s := range list {
		if s.FaceID == face.ID {
			return s.ID
		}
	}
	t.Fatal("pending suggestion not found")
	return 0
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// jsonRequest creates a request with a JSON body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// decodeResponse decodes a JSON response body
func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}
