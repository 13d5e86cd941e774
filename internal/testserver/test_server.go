// Package testserver provides in-memory fakes of the helpdesk and
// reasoning APIs for integration tests.
package testserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Ticket is a fake helpdesk ticket with its full activity history.
type Ticket struct {
	ID         string
	Number     string
	AssigneeID string
	UpdatedAt  string
	Status     string
	Messages   []Activity
	Notes      []Activity
}

// Activity is one message or note on a fake ticket.
type Activity struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Channel   string    `json:"channel"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// TestServer serves the helpdesk REST surface and the reasoning completion
// endpoint from in-memory state.
type TestServer struct {
	Server *httptest.Server
	Token  string

	mu         sync.Mutex
	tickets    map[string]*Ticket
	completion string
	genCalls   int
}

// New starts a TestServer. The server shuts down with the test.
func New(t *testing.T, token string) *TestServer {
	t.Helper()

	ts := &TestServer{
		Token:      token,
		tickets:    map[string]*Ticket{},
		completion: "Customer reports a recurring issue.\nSuggest a follow-up call.",
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Server.Close)
	return ts
}

// URL returns the server's base URL, valid for both APIs.
func (ts *TestServer) URL() string { return ts.Server.URL }

// AddTicket registers a ticket. Later calls with the same ID replace it.
func (ts *TestServer) AddTicket(tk Ticket) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tk.Status == "" {
		tk.Status = "open"
	}
	ts.tickets[tk.ID] = &tk
}

// UpdateTicket replaces a ticket's marker and message history while keeping
// any notes posted so far.
func (ts *TestServer) UpdateTicket(id, marker string, msgs []Activity) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tk, ok := ts.tickets[id]; ok {
		tk.UpdatedAt = marker
		tk.Messages = msgs
	}
}

// SetCompletion fixes the text the reasoning endpoint returns.
func (ts *TestServer) SetCompletion(text string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.completion = text
}

// GenerateCalls reports how many completion requests were served.
func (ts *TestServer) GenerateCalls() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.genCalls
}

// NotesOn returns the notes posted to a ticket so far.
func (ts *TestServer) NotesOn(id string) []Activity {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tk, ok := ts.tickets[id]; ok {
		return append([]Activity(nil), tk.Notes...)
	}
	return nil
}

func (ts *TestServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+ts.Token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/v1/completions":
		ts.genCalls++
		writeJSON(w, map[string]any{"text": ts.completion})

	case path == "/api/tickets":
		ts.listTickets(w, r)

	case strings.HasPrefix(path, "/api/tickets/number/"):
		number := strings.TrimPrefix(path, "/api/tickets/number/")
		for _, tk := range ts.tickets {
			if tk.Number == number {
				writeJSON(w, map[string]any{"ticket": wireTicket(tk)})
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)

	case strings.HasSuffix(path, "/activities/latest"):
		id := pathSegment(path, 2)
		tk, ok := ts.tickets[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		all := append(append([]Activity(nil), tk.Messages...), tk.Notes...)
		var latest *Activity
		for i := range all {
			if latest == nil || all[i].CreatedAt.After(latest.CreatedAt) {
				latest = &all[i]
			}
		}
		writeJSON(w, map[string]any{"activity": latest})

	case strings.HasSuffix(path, "/conversations"):
		id := pathSegment(path, 2)
		tk, ok := ts.tickets[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"messages": tk.Messages, "notes": tk.Notes})

	case strings.HasSuffix(path, "/notes") && r.Method == http.MethodPost:
		id := pathSegment(path, 2)
		tk, ok := ts.tickets[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var payload struct {
			Body    string `json:"body"`
			Private bool   `json:"private"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		tk.Notes = append(tk.Notes, Activity{
			ID:        fmt.Sprintf("note-%d", len(tk.Notes)+1),
			Direction: "agent",
			Channel:   "note",
			Body:      payload.Body,
			CreatedAt: time.Now(),
		})
		w.WriteHeader(http.StatusCreated)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (ts *TestServer) listTickets(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}

	var open []map[string]any
	for _, tk := range ts.tickets {
		if tk.Status == "open" {
			open = append(open, wireTicket(tk))
		}
	}

	start := (page - 1) * perPage
	end := start + perPage
	if start > len(open) {
		start = len(open)
	}
	if end > len(open) {
		end = len(open)
	}
	writeJSON(w, map[string]any{
		"tickets":  open[start:end],
		"has_more": end < len(open),
	})
}

func wireTicket(tk *Ticket) map[string]any {
	return map[string]any{
		"id":          tk.ID,
		"number":      tk.Number,
		"assignee_id": tk.AssigneeID,
		"updated_at":  tk.UpdatedAt,
	}
}

func pathSegment(path string, n int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if n < len(parts) {
		return parts[n]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}
