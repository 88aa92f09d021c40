// Package webhook is the HTTP surface of `chms serve`: provider webhook
// deliveries that trigger coalesced pulls, plus health and sync-log reads.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Napageneral/chms/internal/adapters"
	"github.com/Napageneral/chms/internal/bus"
	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/config"
	"github.com/Napageneral/chms/internal/identity"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-PCO-Webhooks-Authenticity"

const maxBodyBytes = 1 << 20

// PullFunc runs one webhook-triggered pull.
type PullFunc func(ctx context.Context, name string, cc config.ConnectionConfig)

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWindow sets how long deliveries are collected before one pull runs.
func WithWindow(d time.Duration) Option {
	return func(s *Server) { s.window = d }
}

type Server struct {
	db     *sql.DB
	store  identity.Store
	pull   PullFunc
	window time.Duration
	logger *slog.Logger

	ctx     context.Context
	mu      sync.Mutex
	cfg     *config.Config
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// New returns a server. Pulls run with ctx, so cancelling it cancels them.
func New(ctx context.Context, db *sql.DB, store identity.Store, cfg *config.Config, pull PullFunc, opts ...Option) *Server {
	s := &Server{
		db:      db,
		store:   store,
		pull:    pull,
		window:  cfg.Server.Coalesce(),
		logger:  slog.Default(),
		ctx:     ctx,
		cfg:     cfg,
		pending: map[string]*time.Timer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetConfig swaps the connection set, e.g. after the config file changes.
func (s *Server) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Server) connection(name string) (config.ConnectionConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.cfg.Connections[name]
	return cc, ok
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhooks/{connection}", s.handleWebhook)
	r.Get("/connections/{connection}/logs", s.handleLogs)
	return r
}

// ListenAndServe serves until ctx is done, then drains pending pulls.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook receiver listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close drops pulls that have not started and waits for running ones.
func (s *Server) Close() {
	s.mu.Lock()
	for name, t := range s.pending {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.pending, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// enqueue schedules a pull unless one is already waiting. It reports whether
// a new pull was scheduled.
func (s *Server) enqueue(name string, cc config.ConnectionConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[name]; ok {
		return false
	}
	s.wg.Add(1)
	s.pending[name] = time.AfterFunc(s.window, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.pending, name)
		s.mu.Unlock()
		s.pull(s.ctx, name, cc)
	})
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "connection")
	cc, ok := s.connection(name)
	if !ok || !cc.Enabled {
		writeError(w, http.StatusNotFound, "unknown connection")
		return
	}
	caps, err := adapters.CapabilitiesOf(chms.ProviderName(cc.Provider))
	if err != nil || !caps.HasWebhooks {
		writeError(w, http.StatusBadRequest, "provider does not deliver webhooks")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if secret := cc.Connection(name).SyncString("webhook_secret", ""); secret != "" {
		if !validSignature(secret, body, r.Header.Get(SignatureHeader)) {
			s.logger.Warn("webhook signature mismatch", "connection", name)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	queued := s.enqueue(name, cc)
	if err := bus.EmitWebhook(s.db, name, bus.WebhookPayload{Bytes: len(body), Queued: queued}); err != nil {
		s.logger.Warn("failed to emit webhook event", "connection", name, "error", err)
	}
	s.logger.Info("webhook received", "connection", name, "queued", queued)
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

func validSignature(secret string, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(header))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "connection")
	if _, ok := s.connection(name); !ok {
		writeError(w, http.StatusNotFound, "unknown connection")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	logs, err := s.store.ListSyncLogs(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("failed to list sync logs", "connection", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sync logs")
		return
	}
	if logs == nil {
		logs = []identity.SyncLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}
