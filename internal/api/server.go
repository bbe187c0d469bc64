package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"paper_autopilot/internal/ledger"
	"paper_autopilot/internal/models"
	"paper_autopilot/internal/watcher"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// Engine is the part of the autopilot the HTTP surface drives.
type Engine interface {
	Snapshot() models.Snapshot
	Subscribe(fn func(models.Snapshot)) func()
	ToggleAutopilot() bool
	ApplySettings(s models.Settings) error
	ManualBuy(ctx context.Context, symbol string, notional, price decimal.Decimal) watcher.BuyResult
	ClosePosition(ctx context.Context, ref string) (models.Position, error)
	ResetLedger()
}

var _ Engine = (*watcher.Watcher)(nil)

type Server struct {
	engine Engine
	hub    *hub
	router chi.Router
	addr   string
}

func NewServer(addr string, engine Engine) *Server {
	s := &Server{engine: engine, hub: newHub(), addr: addr}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("/healthcheck write error")
		}
	})
	r.Get("/state", s.handleState)
	r.Get("/events", s.handleEvents)
	r.Post("/autopilot/toggle", s.handleToggle)
	r.Put("/settings", s.handleSettings)
	r.Post("/buy", s.handleBuy)
	r.Post("/positions/{id}/close", s.handleClose)
	r.Post("/reset", s.handleReset)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	unsubscribe := s.engine.Subscribe(s.publish)
	defer unsubscribe()

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("🌐 API listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down API gracefully...")
	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("API shutdown error")
		return err
	}
	return nil
}

func (s *Server) publish(snap models.Snapshot) {
	b, err := json.Marshal(snap)
	if err != nil {
		logger.WithError(err).Warn("snapshot encode failed")
		return
	}
	s.hub.broadcast(b)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	initial, err := json.Marshal(s.engine.Snapshot())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hub.serve(w, r, initial)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	enabled := s.engine.ToggleAutopilot()
	writeJSON(w, http.StatusOK, map[string]bool{"autopilotEnabled": enabled})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var in models.Settings
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body")
		return
	}
	if err := s.engine.ApplySettings(in); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, in)
}

type buyRequest struct {
	Symbol   string          `json:"symbol"`
	Notional decimal.Decimal `json:"notional"`
	Price    decimal.Decimal `json:"price"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var in buyRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid buy body")
		return
	}
	res := s.engine.ManualBuy(r.Context(), in.Symbol, in.Notional, in.Price)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engine.ClosePosition(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pos)
	case errors.Is(err, ledger.ErrPositionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrPositionClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetLedger()
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Warn("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
