package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Simplici0/printworks/internal/config"
	"github.com/Simplici0/printworks/internal/db"
	"github.com/Simplici0/printworks/internal/events"
	"github.com/Simplici0/printworks/internal/idempotency"
	"github.com/Simplici0/printworks/internal/migrations"
	"github.com/Simplici0/printworks/internal/order"
	"github.com/Simplici0/printworks/internal/printer"
	"github.com/Simplici0/printworks/internal/quote"
	"github.com/Simplici0/printworks/internal/realtime"
	"github.com/Simplici0/printworks/internal/scheduler"
	"github.com/Simplici0/printworks/internal/seed"
	"github.com/Simplici0/printworks/internal/store"
)

const devJWTSecret = "printworks-dev-secret"

type server struct {
	store    *store.Store
	quotes   *quote.Service
	registry *printer.Registry
	sched    *scheduler.Scheduler
	orders   *order.Manager
	hub      *realtime.Hub
	idem     idempotency.Store
	auth     *authService
	limiter  *clientLimiter
	log      zerolog.Logger
	now      func() time.Time
}

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
	logger.Info().Msg("server stopped")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "printworks").Logger()
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := migrations.Up(database); err != nil {
		return fmt.Errorf("run database migrations: %w", err)
	}
	stats, err := seed.Run(database, seed.Config{Printers: cfg.SeedPrinters})
	if err != nil {
		return fmt.Errorf("seed database: %w", err)
	}
	logger.Info().Int("inserts", stats.Inserts).Int("updates", stats.Updates).Msg("seed complete")

	secret := cfg.JWTSecret
	if secret == "" {
		if !cfg.IsDev() {
			return errors.New("JWT_SECRET is required outside development")
		}
		secret = devJWTSecret
	}

	st := store.New(database)
	registry := printer.New(st, logger)
	if err := registry.Load(ctx); err != nil {
		return err
	}
	sched := scheduler.New(registry, logger)
	quotes := quote.New(st, registry, logger)
	hub := realtime.NewHub(logger, 64)

	opts := []order.Option{order.WithAutoReview(cfg.AutoReview), order.WithPublisher(hub)}
	var sink *events.Sink
	if len(cfg.KafkaBrokers) > 0 {
		sink = events.NewSink(events.NewWriter(cfg.KafkaBrokers, cfg.KafkaEventsTopic), logger, 1024)
		opts = append(opts, order.WithPublisher(sink))
	}
	orders := order.New(st, quotes, sched, logger, opts...)
	if _, err := orders.Recover(ctx); err != nil {
		return fmt.Errorf("recover production state: %w", err)
	}

	var idem idempotency.Store
	if cfg.RedisURL != "" {
		rs, err := idempotency.NewRedis(ctx, cfg.RedisURL, cfg.IdempotencyTTL)
		if err != nil {
			return err
		}
		defer rs.Close()
		idem = rs
	} else {
		idem = idempotency.NewMemory(cfg.IdempotencyTTL)
	}

	srv := &server{
		store:    st,
		quotes:   quotes,
		registry: registry,
		sched:    sched,
		orders:   orders,
		hub:      hub,
		idem:     idem,
		auth:     newAuthService(secret),
		limiter:  newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		log:      logger,
		now:      time.Now,
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(hub.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return quotes.RunSweeper(gctx, cfg.QuoteSweepInterval) })
	g.Go(func() error { return orders.RunProgress(gctx, cfg.ProgressInterval) })
	if sink != nil {
		g.Go(func() error { return sink.Run(gctx) })
		reader := events.NewReader(cfg.KafkaBrokers, cfg.KafkaSignalsTopic, cfg.KafkaGroupID)
		consumer := events.NewConsumer(reader, orders, logger)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	return g.Wait()
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.With(s.limiter.middleware).Post("/quotes", s.handleQuoteCreate)
		r.Get("/quotes/{id}", s.handleQuoteGet)
		r.Post("/quotes/{id}/activate", s.handleQuoteActivate)

		r.Post("/orders", s.handleOrderCreate)
		r.Get("/orders/{id}", s.handleOrderGet)
		r.Get("/orders/{id}/stream", s.handleOrderStream)
		r.Group(func(r chi.Router) {
			r.Use(requireStaff)
			r.With(requireRole(roleAdmin, roleOperator)).Patch("/orders/{id}/status", s.handleOrderStatus)
			r.Post("/orders/{id}/holds", s.handleHoldPlace)
			r.Delete("/orders/{id}/holds", s.handleHoldRelease)
			r.Put("/files/{id}/metadata", s.handleFileMetadata)
		})

		r.Get("/me/addresses", s.handleAddressList)
		r.Post("/me/addresses", s.handleAddressCreate)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireStaff)
			r.Get("/orders", s.handleAdminOrders)
			r.Get("/printers", s.handlePrinterList)
			r.Get("/printers/{id}", s.handlePrinterGet)
			r.Get("/backlog", s.handleBacklog)
			r.Get("/rates", s.handleRatesGet)
			r.Get("/materials", s.handleMaterialList)
			r.Get("/shipping", s.handleShippingList)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(roleAdmin, roleOperator))
				r.Post("/printers", s.handlePrinterRegister)
				r.Patch("/printers/{id}", s.handlePrinterStatus)
				r.Post("/printers/{id}/start", s.handlePrinterStart)
				r.Post("/printers/{id}/complete", s.handlePrinterComplete)
			})
			r.Group(func(r chi.Router) {
				r.Use(requireRole(roleAdmin))
				r.Put("/rates", s.handleRatesPut)
				r.Patch("/materials/{id}", s.handleMaterialUpdate)
				r.Post("/shipping", s.handleShippingCreate)
			})
		})
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger attaches a request-scoped logger to the context and logs one
// line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(reqLog.WithContext(r.Context())))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := reqLog.Info()
			if status >= http.StatusInternalServerError {
				ev = reqLog.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
