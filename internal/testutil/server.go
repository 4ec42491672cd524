// Package testutil provides an in-process stand-in for the task server:
// the REST endpoints and the /ws/ duplex channel, backed by memory.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stellarlinkco/tasksync/internal/task"
)

const DefaultToken = "test-token"

type account struct {
	user     task.User
	password string
}

// Server is a fake task server. Use Client-side code against URL().
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	tasks    []task.Task
	nextID   uint
	accounts map[string]account // by email
	tokens   map[string]uint    // token -> user id
	conns    map[*websocket.Conn]struct{}
	actions  []string
	rejects  map[string]string // action -> error message

	handshakes atomic.Int32
	rejectWS   atomic.Bool
	Now        func() time.Time
}

func NewServer(tb testing.TB) *Server {
	tb.Helper()
	s := &Server{
		nextID:   1,
		accounts: make(map[string]account),
		tokens:   make(map[string]uint),
		conns:    make(map[*websocket.Conn]struct{}),
		rejects:  make(map[string]string),
		Now:      time.Now,
	}
	s.accounts["ana@example.com"] = account{user: task.User{ID: 1, Name: "ana", Email: "ana@example.com"}, password: "secret"}
	s.accounts["bo@example.com"] = account{user: task.User{ID: 2, Name: "bo", Email: "bo@example.com"}, password: "secret"}
	s.tokens[DefaultToken] = 1

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/users/user", s.authed(s.handleCurrentUser))
	mux.HandleFunc("GET /api/users", s.authed(s.handleUsers))
	mux.HandleFunc("POST /api/tasks/suggest", s.authed(s.handleSuggest))
	mux.HandleFunc("POST /api/tasks/breakdown", s.authed(s.handleBreakdown))
	mux.HandleFunc("POST /api/tasks/priotize", s.authed(s.handlePrioritize))
	mux.HandleFunc("/ws/", s.handleWS)

	s.srv = httptest.NewServer(mux)
	tb.Cleanup(s.Close)
	return s
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// SetTasks seeds the store.
func (s *Server) SetTasks(tasks ...task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append([]task.Task(nil), tasks...)
	for _, t := range tasks {
		if t.ID >= s.nextID {
			s.nextID = t.ID + 1
		}
	}
}

func (s *Server) Tasks() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.Task(nil), s.tasks...)
}

// Actions lists every action received over the duplex channel, in order.
func (s *Server) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

func (s *Server) CountAction(action string) int {
	n := 0
	for _, a := range s.Actions() {
		if a == action {
			n++
		}
	}
	return n
}

func (s *Server) Handshakes() int { return int(s.handshakes.Load()) }

// RejectAction makes the server answer every frame with the given action
// by an error event carrying msg. An empty msg clears the rejection.
func (s *Server) RejectAction(action, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg == "" {
		delete(s.rejects, action)
		return
	}
	s.rejects[action] = msg
}

// RejectHandshakes makes /ws/ answer 503 until called with false.
func (s *Server) RejectHandshakes(reject bool) { s.rejectWS.Store(reject) }

// DropConnections closes every live duplex connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.CloseNow()
	}
}

func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Push broadcasts a raw frame to every connection.
func (s *Server) Push(frame string) {
	s.broadcast([]byte(frame))
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, ok := s.userForToken(token); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) userForToken(token string) (task.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok || token == "" {
		return task.User{}, false
	}
	for _, a := range s.accounts {
		if a.user.ID == id {
			return a.user, true
		}
	}
	return task.User{}, false
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[req.Email]; exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "email taken"})
		return
	}
	id := uint(len(s.accounts) + 1)
	s.accounts[req.Email] = account{user: task.User{ID: id, Name: req.Username, Email: req.Email}, password: req.Password}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "User registered"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[req.Email]
	if !ok || acc.password != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	token := "token-" + acc.user.Name
	s.tokens[token] = acc.user.ID
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	u, _ := s.userForToken(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	users := make([]task.User, 0, len(s.accounts))
	for _, a := range s.accounts {
		users = append(users, a.user)
	}
	s.mu.Unlock()
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": []string{
		"Plan: " + req.Prompt,
		"Review: " + req.Prompt,
	}})
}

func (s *Server) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, http.StatusOK, map[string]any{"breakdown": []string{
		"1. Outline " + req.Prompt,
		"2. Draft " + req.Prompt,
		"3. Ship " + req.Prompt,
	}})
}

// handlePrioritize orders by importance, highest first, then deadline.
func (s *Server) handlePrioritize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tasks []task.Task `json:"Tasks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	sort.SliceStable(req.Tasks, func(i, j int) bool {
		if req.Tasks[i].Importance != req.Tasks[j].Importance {
			return req.Tasks[i].Importance > req.Tasks[j].Importance
		}
		return req.Tasks[i].Deadline.Before(req.Tasks[j].Deadline.Time)
	})
	writeJSON(w, http.StatusOK, map[string]any{"prioritized_tasks": req.Tasks})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.handshakes.Add(1)
	if s.rejectWS.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if _, ok := s.userForToken(r.URL.Query().Get("token")); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.CloseNow()
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleFrame(ctx, conn, data)
	}
}

type commandFrame struct {
	Action string `json:"action"`
	task.Task
}

type frameHeader struct {
	Action   string          `json:"action"`
	Deadline json.RawMessage `json:"deadline"`
}

// createDeadlineError applies the real server's create rule: a string
// deadline must be YYYY-MM-DD, the empty string included.
func createDeadlineError(raw json.RawMessage) string {
	var deadline string
	if len(raw) == 0 || json.Unmarshal(raw, &deadline) != nil {
		return ""
	}
	if _, err := time.Parse(task.DateLayout, deadline); err != nil {
		return "Invalid deadline format. Use YYYY-MM-DD"
	}
	return ""
}

func (s *Server) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	var head frameHeader
	if err := json.Unmarshal(data, &head); err != nil {
		s.writeTo(ctx, conn, map[string]any{"event": "error", "error": "Invalid request format"})
		return
	}
	s.mu.Lock()
	s.actions = append(s.actions, head.Action)
	reject := s.rejects[head.Action]
	s.mu.Unlock()
	if reject == "" && head.Action == "create_task" {
		reject = createDeadlineError(head.Deadline)
	}
	if reject != "" {
		s.writeTo(ctx, conn, map[string]any{"event": "error", "error": reject})
		return
	}

	var cmd commandFrame
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.writeTo(ctx, conn, map[string]any{"event": "error", "error": "Invalid request format"})
		return
	}

	switch cmd.Action {
	case "get_tasks":
		s.writeTo(ctx, conn, map[string]any{"event": "task_list", "tasks": s.Tasks()})
	case "create_task":
		now := s.Now().UTC()
		t := cmd.Task
		s.mu.Lock()
		t.ID = s.nextID
		s.nextID++
		t.CreatedAt, t.UpdatedAt = now, now
		if t.Status == "" {
			t.Status = task.StatusPending
		}
		s.tasks = append(s.tasks, t)
		s.mu.Unlock()
		s.broadcastEvent("task_created", t)
	case "update_task":
		s.mu.Lock()
		idx := -1
		for i := range s.tasks {
			if s.tasks[i].ID == cmd.Task.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			s.mu.Unlock()
			s.writeTo(ctx, conn, map[string]any{"event": "error", "error": "Task not found"})
			return
		}
		t := cmd.Task
		t.CreatedAt = s.tasks[idx].CreatedAt
		t.UpdatedAt = s.Now().UTC()
		s.tasks[idx] = t
		s.mu.Unlock()
		s.broadcastEvent("task_updated", t)
	default:
		s.writeTo(ctx, conn, map[string]any{"event": "error", "error": "Invalid action type"})
	}
}

func (s *Server) broadcastEvent(event string, t task.Task) {
	data, _ := json.Marshal(map[string]any{"event": event, "task": t})
	s.broadcast(data)
}

func (s *Server) broadcast(data []byte) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.Write(ctx, websocket.MessageText, data)
		cancel()
	}
}

func (s *Server) writeTo(ctx context.Context, conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
