package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"wagate/internal/dispatch"
	"wagate/internal/history"
	"wagate/internal/whitelist"
	logx "wagate/pkg/logx"
)

// Server exposes the gateway's HTTP API:
//
//	POST /send               direct send request
//	GET  /history/{number}   recent conversation history
//	POST /whitelist          add a number to the whitelist
//	GET  /healthz            liveness + transport state
type Server struct {
	log logx.Logger

	scheduler *dispatch.Scheduler
	history   *history.Store
	whitelist *whitelist.List
	histLimit int

	server *http.Server
}

type Config struct {
	Addr         string
	HistoryLimit int
}

func New(cfg Config, sched *dispatch.Scheduler, hist *history.Store, wl *whitelist.List, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		log:       log,
		scheduler: sched,
		history:   hist,
		whitelist: wl,
		histLimit: cfg.HistoryLimit,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)

	r.Post("/send", s.handleSend)
	r.Get("/history/{number}", s.handleHistory)
	r.Post("/whitelist", s.handleWhitelist)
	r.Get("/healthz", s.handleHealthz)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
		// No write timeout: direct sends block on the typing simulation.
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http api listening", logx.String("addr", s.server.Addr))
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestID tags every request with a correlation id for the logs.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

type ctxKey int

const requestIDKey ctxKey = 0

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ---- handlers ----

type sendRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

type sendResponse struct {
	Sent   bool   `json:"sent,omitempty"`
	Queued bool   `json:"queued,omitempty"`
	Reason string `json:"reason,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Number == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "Missing number or message")
		return
	}

	log := s.log.With(logx.String("request_id", requestIDFrom(r.Context())))

	res, err := s.scheduler.RequestSend(r.Context(), req.Number, req.Message)
	if err != nil {
		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Reason)
			return
		}
		log.Error("send request failed", logx.String("number", req.Number), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Sent:   res.Sent,
		Queued: res.Queued,
		Reason: res.Reason,
		ChatID: res.DeliveryID,
	})
}

type historyResponse struct {
	History []history.Entry `json:"history"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "Message store not initialized")
		return
	}
	number := chi.URLParam(r, "number")

	entries, err := s.history.Recent(r.Context(), number, s.histLimit)
	if err != nil {
		s.log.Error("history query failed", logx.String("number", number), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{History: entries})
}

type whitelistRequest struct {
	Number string `json:"number"`
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Number == "" {
		writeError(w, http.StatusBadRequest, "Number is required")
		return
	}

	added, err := s.whitelist.Add(req.Number)
	if err != nil {
		s.log.Error("whitelist update failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if added {
		writeJSON(w, http.StatusOK, map[string]bool{"added": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"alreadyExists": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"connected": s.scheduler.Connected(),
	})
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
