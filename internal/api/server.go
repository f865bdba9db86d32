package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/KurumiTJK/novahooks/internal/config"
	"github.com/KurumiTJK/novahooks/internal/dispatch"
	"github.com/KurumiTJK/novahooks/internal/events"
	"github.com/KurumiTJK/novahooks/internal/storage"
)

type Server struct {
	cfg        config.Config
	store      storage.Storage
	dispatcher *dispatch.Dispatcher
	emitter    *events.Emitter
	router     *chi.Mux
	log        zerolog.Logger
	http       *http.Server
}

func NewServer(cfg config.Config, store storage.Storage, dispatcher *dispatch.Dispatcher, emitter *events.Emitter, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		emitter:    emitter,
		log:        log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	whHandler := NewWebhookHandler(s.store, s.dispatcher, !s.cfg.Development())
	dlvHandler := NewDeliveryHandler(s.store, s.dispatcher)
	evtHandler := NewEventHandler(s.emitter, s.dispatcher, s.store)

	// Health check — no auth
	r.Get("/health", evtHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.Server.AdminToken))

		// Subscriptions
		r.Post("/webhooks", whHandler.Create)
		r.Get("/webhooks", whHandler.List)
		r.Get("/webhooks/{id}", whHandler.Get)
		r.Put("/webhooks/{id}", whHandler.Update)
		r.Delete("/webhooks/{id}", whHandler.Delete)
		r.Post("/webhooks/{id}/rotate-secret", whHandler.RotateSecret)
		r.Post("/webhooks/{id}/test", whHandler.Test)
		r.Get("/webhooks/{id}/deliveries", dlvHandler.ListBySubscription)

		// Deliveries
		r.Get("/deliveries/{id}", dlvHandler.Get)
		r.Get("/deliveries/{id}/attempts", dlvHandler.ListAttempts)
		r.Post("/deliveries/{id}/retry", dlvHandler.Retry)

		// Events and engine status
		r.Post("/emit", evtHandler.Emit)
		r.Get("/events/types", evtHandler.Types)
		r.Get("/dispatcher", evtHandler.DispatcherStatus)
		r.Get("/stats", evtHandler.Stats)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
