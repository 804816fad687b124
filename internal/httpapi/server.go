// Package httpapi is the daemon's HTTP surface. Inbound role-change
// notifications and directory updates arrive here (bearer-guarded), and the
// public token-validation endpoint serves landing pages linked from outbound
// messages. The listener binds loopback by default; put a reverse proxy in
// front for anything else.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"rolemail/internal/ledger"
	logx "rolemail/pkg/logx"
)

// Recorder accepts role-change notifications.
type Recorder interface {
	RoleChanged(ctx context.Context, userID int64, newRole string, previousRoles []string) error
}

// Config controls the HTTP listener.
type Config struct {
	Enabled bool
	Address string // default 127.0.0.1:8085

	// Token guards the mutating endpoints (Authorization: Bearer <token>).
	// Empty disables them entirely rather than leaving them open.
	Token string
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = "127.0.0.1:8085"
	}
	return c
}

type Server struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	st   ledger.Store
	rec  Recorder
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(cfg Config, st ledger.Store, rec Recorder, log logx.Logger) *Server {
	return &Server{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("svc", "http")),
		st:  st,
		rec: rec,
	}
}

// Addr reports the bound listener address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		s.log.Info("disabled")
		return nil
	}
	if s.srv != nil {
		return errors.New("http server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", logx.Err(err))
		}
	}()
	s.log.Info("listening", logx.String("addr", s.addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.addr = ""
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler builds the route table. Split out so tests can drive it with
// httptest without a real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tokens/validate", s.handleValidateToken)
	mux.HandleFunc("POST /v1/role-changes", s.guarded(s.handleRoleChange))
	mux.HandleFunc("PUT /v1/users", s.guarded(s.handleUpsertUser))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// guarded enforces the bearer token on mutating endpoints. No configured
// token means the endpoint is off, not open.
func (s *Server) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			http.Error(w, "endpoint disabled", http.StatusForbidden)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type roleChangeRequest struct {
	UserID        int64    `json:"user_id"`
	NewRole       string   `json:"new_role"`
	PreviousRoles []string `json:"previous_roles"`
}

func (s *Server) handleRoleChange(w http.ResponseWriter, r *http.Request) {
	var req roleChangeRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 || strings.TrimSpace(req.NewRole) == "" {
		http.Error(w, "user_id and new_role are required", http.StatusBadRequest)
		return
	}
	if err := s.rec.RoleChanged(r.Context(), req.UserID, req.NewRole, req.PreviousRoles); err != nil {
		http.Error(w, "record failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type upsertUserRequest struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Login       string `json:"login"`
	Role        string `json:"role"`
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var req upsertUserRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID <= 0 || strings.TrimSpace(req.Email) == "" {
		http.Error(w, "id and email are required", http.StatusBadRequest)
		return
	}
	if err := s.st.UpsertUser(r.Context(), ledger.User{
		ID:          req.ID,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Login:       req.Login,
		Role:        req.Role,
	}); err != nil {
		http.Error(w, "upsert failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

type validateResponse struct {
	Valid  bool  `json:"valid"`
	UserID int64 `json:"user_id,omitempty"`
}

// handleValidateToken resolves a messaging token back to its user. Unknown
// tokens are a normal outcome, not an error status: the caller is typically
// a public landing page deciding which variant to show.
func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if len(token) != ledger.TokenLength {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, ok, err := s.st.UserByToken(ctx, token)
	if err != nil {
		s.log.Error("token lookup failed", logx.Err(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false})
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: true, UserID: id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
