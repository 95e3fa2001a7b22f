package completion

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"whisperer/pkg/types"
)

// fakeServer mimics the /completion + /next-token protocol of the llama.cpp
// example server and records what the client did.
type fakeServer struct {
	mu          sync.Mutex
	events      []types.TokenEvent
	next        int
	submits     int
	polls       int
	stops       int
	rawSubmit   []byte
	unavailable int // 503 answers before a submit is accepted

	// when blockAt >= 0, the poll with that index waits for release or the
	// client going away; blocked is closed once it starts waiting.
	blockAt int
	blocked chan struct{}
	release chan struct{}

	srv *httptest.Server
}

func newFakeServer(t *testing.T, events ...types.TokenEvent) *fakeServer {
	t.Helper()
	f := &fakeServer{events: events, blockAt: -1, blocked: make(chan struct{}), release: make(chan struct{})}
	r := chi.NewRouter()
	r.Post("/completion", f.handleCompletion)
	r.Get("/next-token", f.handleNextToken)
	f.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		f.mu.Lock()
		select {
		case <-f.release:
		default:
			close(f.release)
		}
		f.mu.Unlock()
		f.srv.Close()
	})
	return f
}

func (f *fakeServer) URL() string { return f.srv.URL }

func (f *fakeServer) handleCompletion(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable > 0 {
		f.unavailable--
		http.Error(w, "loading model", http.StatusServiceUnavailable)
		return
	}
	f.submits++
	f.rawSubmit = body
	w.WriteHeader(http.StatusOK)
}

func (f *fakeServer) handleNextToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Query().Get("stop") == "true" {
		f.mu.Lock()
		f.stops++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(types.TokenEvent{Stop: true})
		return
	}
	f.mu.Lock()
	idx := f.polls
	f.polls++
	block := idx == f.blockAt
	f.mu.Unlock()
	if block {
		close(f.blocked)
		select {
		case <-r.Context().Done():
			return
		case <-f.release:
		}
	}
	f.mu.Lock()
	ev := types.TokenEvent{Stop: true}
	if f.next < len(f.events) {
		ev = f.events[f.next]
		f.next++
	}
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(ev)
}

func (f *fakeServer) setUnavailable(n int) {
	f.mu.Lock()
	f.unavailable = n
	f.mu.Unlock()
}

func (f *fakeServer) setBlockAt(i int) {
	f.mu.Lock()
	f.blockAt = i
	f.mu.Unlock()
}

func (f *fakeServer) counts() (submits, polls, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.polls, f.stops
}
