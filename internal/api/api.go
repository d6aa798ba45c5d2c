// Package api serves the operational HTTP endpoints: health, metrics and the Bitrix24 event hook.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/exchange_sync/internal/bitrix"
	"github.com/cybertec-postgresql/exchange_sync/internal/store"
)

// Pinger is a dependency checked by /healthz
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping implements Pinger
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ChangeLog receives changes announced by the CRM
type ChangeLog interface {
	Record(ctx context.Context, c store.Change) (*store.Change, error)
}

// EntityTypes resolves the object type of a sync entity type
type EntityTypes interface {
	ObjectType(entityType string) (string, bool)
}

// Config configures the event hook
type Config struct {
	// ApplicationToken must match auth[application_token] of events when set
	ApplicationToken string
	ContractTypeID   int
	HealthTimeout    time.Duration
}

// Server holds the HTTP handlers
type Server struct {
	cfg     Config
	ledger  ChangeLog
	types   EntityTypes
	metrics http.Handler
	checks  map[string]Pinger
	logger  *logrus.Entry
}

// New creates a Server. metrics may be nil to disable /metrics.
func New(cfg Config, ledger ChangeLog, types EntityTypes, metrics http.Handler, checks map[string]Pinger) *Server {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	return &Server{
		cfg:     cfg,
		ledger:  ledger,
		types:   types,
		metrics: metrics,
		checks:  checks,
		logger:  logrus.WithField("component", "api"),
	}
}

// Router returns the chi router of all endpoints
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Post("/bitrix/events", s.event)
	return r
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body[name] = err.Error()
			s.logger.WithError(err).WithField("check", name).Warn("Health check failed")
			continue
		}
		body[name] = "ok"
	}
	writeJSON(w, status, body)
}

func (s *Server) event(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	if s.cfg.ApplicationToken != "" {
		token := r.PostForm.Get("auth[application_token]")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ApplicationToken)) != 1 {
			s.logger.WithField("remote", r.RemoteAddr).Warn("Event with invalid application token rejected")
			http.Error(w, "invalid application token", http.StatusForbidden)
			return
		}
	}

	event := strings.ToUpper(r.PostForm.Get("event"))
	id := r.PostForm.Get("data[FIELDS][ID]")
	logger := s.logger.WithFields(logrus.Fields{"event": event, "external_id": id})
	if event == "" || id == "" {
		http.Error(w, "event and data[FIELDS][ID] are required", http.StatusBadRequest)
		return
	}

	entityType, ok := s.entityType(event, r.PostForm.Get("data[FIELDS][ENTITY_TYPE_ID]"))
	if !ok {
		logger.Debug("Event ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	objectType, ok := s.types.ObjectType(entityType)
	if !ok {
		logger.WithField("entity", entityType).Debug("Entity type not synced, event ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	change, err := s.ledger.Record(r.Context(), store.Change{
		EntityType: entityType,
		ExternalID: id,
		ObjectType: objectType,
		Status:     store.StatusPending,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to record change")
		http.Error(w, "failed to record change", http.StatusInternalServerError)
		return
	}
	logger.WithFields(logrus.Fields{"entity": entityType, "change_id": change.ID}).Info("Change recorded from event")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "change_id": change.ID})
}

// entityType maps ONCRM<TYPE>ADD and ONCRM<TYPE>UPDATE events to sync entity types
func (s *Server) entityType(event, entityTypeID string) (string, bool) {
	var kind string
	switch {
	case strings.HasSuffix(event, "UPDATE"):
		kind = strings.TrimSuffix(event, "UPDATE")
	case strings.HasSuffix(event, "ADD"):
		kind = strings.TrimSuffix(event, "ADD")
	default:
		return "", false
	}
	switch kind {
	case "ONCRMCOMPANY":
		return bitrix.EntityCompany, true
	case "ONCRMCONTACT":
		return bitrix.EntityContact, true
	case "ONCRMPRODUCT":
		return bitrix.EntityProduct, true
	case "ONCRMDYNAMICITEM":
		typeID, err := strconv.Atoi(entityTypeID)
		if err != nil {
			return "", false
		}
		switch {
		case typeID == bitrix.SmartInvoiceTypeID:
			return bitrix.EntityInvoice, true
		case s.cfg.ContractTypeID > 0 && typeID == s.cfg.ContractTypeID:
			return bitrix.EntityContract, true
		}
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
