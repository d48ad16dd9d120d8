package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatpay/queue"
)

// replyTimeout bounds how long a webhook response waits for the handler;
// slow ledger confirmation falls back to a generic "processing" reply while
// the work finishes in the background.
const replyTimeout = 30 * time.Second

// workTimeout bounds the background handling itself. It must exceed the
// reply timeout so work that outlives the HTTP response can still settle or
// be reported as failed.
const workTimeout = 5 * time.Minute

// Server exposes the router over HTTP: one webhook per transport plus health,
// metrics, and a queue inspection endpoint.
type Server struct {
	router       *Router
	queue        *queue.Queue
	log          *slog.Logger
	http         *http.Server
	adminToken   string
	replyTimeout time.Duration
	workTimeout  time.Duration
}

type ServerOption func(*Server)

// WithAdminToken requires a bearer token on the admin routes.
func WithAdminToken(token string) ServerOption {
	return func(s *Server) { s.adminToken = token }
}

// WithReplyTimeout overrides how long a webhook waits before answering with
// the processing fallback. Test hook.
func WithReplyTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.replyTimeout = d
		}
	}
}

func NewServer(addr string, r *Router, q *queue.Queue, log *slog.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{router: r, queue: q, log: log, replyTimeout: replyTimeout, workTimeout: workTimeout}
	for _, opt := range opts {
		opt(s)
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Post("/webhook/sms", s.handleWebhook("sms"))
	mux.Post("/webhook/chat", s.handleWebhook("chat"))
	mux.Get("/healthz", s.handleHealth)
	mux.Get("/metrics", promhttp.Handler().ServeHTTP)
	mux.Get("/admin/queue", s.handleQueueStats)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

type inboundMessage struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// handleWebhook accepts both JSON bodies and form posts so either transport
// adapter shape works.
func (s *Server) handleWebhook(transport string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		msg, ok := decodeInbound(req)
		if !ok {
			http.Error(w, "missing sender or body", http.StatusBadRequest)
			return
		}

		// The work context is detached from the request so that answering
		// with the processing fallback does not cancel the in-flight
		// payment; it completes or fails on its own deadline.
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), s.workTimeout)

		done := make(chan string, 1)
		go func() {
			defer cancel()
			done <- s.router.Handle(workCtx, msg.From, msg.Body, transport)
		}()

		var reply string
		select {
		case reply = <-done:
		case <-time.After(s.replyTimeout):
			reply = "Still processing your request. You'll get a confirmation shortly."
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"reply": reply}); err != nil {
			s.log.Warn("encode webhook response", "err", err)
		}
	}
}

func decodeInbound(req *http.Request) (inboundMessage, bool) {
	var msg inboundMessage
	if ct := req.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
			return msg, false
		}
	} else {
		if err := req.ParseForm(); err != nil {
			return msg, false
		}
		msg.From = req.PostFormValue("From")
		msg.Body = req.PostFormValue("Body")
	}
	return msg, msg.From != "" && msg.Body != ""
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, req *http.Request) {
	if s.adminToken != "" {
		auth := req.Header.Get("Authorization")
		if auth != "Bearer "+s.adminToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if s.queue == nil {
		http.Error(w, "queue disabled", http.StatusNotFound)
		return
	}
	stats, err := s.queue.Stats(req.Context())
	if err != nil {
		s.log.Error("queue stats", "err", err)
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("http listener starting", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
