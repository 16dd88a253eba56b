package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"subscription-commerce/internal/infra/api/apiv1"
	"subscription-commerce/internal/infra/redis"
	"subscription-commerce/internal/infra/scheduler"
	"subscription-commerce/internal/usecase"
)

// TickRunner is the manual trigger of the billing scheduler.
type TickRunner interface {
	RunOnce(ctx context.Context) (*usecase.TickResult, error)
}

type Options struct {
	Port               int
	AdminAPIKey        string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
}

// Server hosts the payment bridges, the health and metrics endpoints and the
// admin trigger of the scheduler.
type Server struct {
	router chi.Router
	srv    *http.Server
	log    *zerolog.Logger
}

func NewServer(v1 *apiv1.Server, sched TickRunner, limiter Limiter, opts Options, logger *zerolog.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	l := logger.With().Str("component", "HTTPServer").Logger()

	r := chi.NewRouter()
	r.Use(TraceID(), RequestLog(&l), Recover(&l), Timeout(opts.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(limiter, opts.RateLimitPerMinute, func(uid int64) string {
			return redis.UserActionKey(uid, "api")
		}, &l))
		apiv1.RegisterAPIV1(r, v1)
	})

	r.With(AdminAuth(opts.AdminAPIKey)).Post("/internal/scheduler/run", runScheduler(sched))

	return &Server{
		router: r,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: &l,
	}
}

func (s *Server) Handler() http.Handler { return s.router }

// Start blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type tickResponse struct {
	Overdue         int64   `json:"overdue"`
	ServicesScanned int     `json:"services_scanned"`
	Generated       []int64 `json:"generated_invoice_ids"`
	Duplicates      int     `json:"duplicates"`
}

func runScheduler(sched TickRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		res, err := sched.RunOnce(r.Context())
		switch {
		case errors.Is(err, scheduler.ErrTickInProgress):
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		case err != nil:
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "tick failed"})
			return
		}
		out := tickResponse{
			Overdue:         res.Overdue,
			ServicesScanned: res.ServicesScanned,
			Generated:       make([]int64, 0, len(res.Generated)),
			Duplicates:      res.Duplicates,
		}
		for _, inv := range res.Generated {
			out.Generated = append(out.Generated, inv.ID)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
