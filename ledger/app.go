package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alovak/bankcards/internal/expiry"
	"github.com/alovak/bankcards/internal/middleware"
	"github.com/alovak/bankcards/internal/migrations"
	ledger8583 "github.com/alovak/bankcards/ledger/iso8583"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
)

// App is the main application, it contains all the components of the ledger service
// and is responsible for starting and stopping them.
type App struct {
	srv               *http.Server
	wg                *sync.WaitGroup
	Addr              string
	ISO8583ServerAddr string
	logger            *slog.Logger
	iso8583Server     io.Closer
	config            *Config
	db                *sql.DB
	stop              chan struct{}

	// Service is available after Start, for embedding and tests.
	Service *Service
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "ledger"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	if a.config.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if a.config.ExpiryTZ != "" {
		if loc, err := time.LoadLocation(a.config.ExpiryTZ); err == nil {
			expiry.SetDefaultExpiryLocation(loc)
		} else {
			a.logger.Info("invalid ExpiryTZ; using default UTC", slog.String("tz", a.config.ExpiryTZ), slog.Any("err", err))
		}
	}
	if len(a.config.ProductYears) > 0 {
		expiry.SetProductYears(a.config.ProductYears)
	}

	repository, err := a.openRepository()
	if err != nil {
		return err
	}

	svc := NewService(repository, a.config, a.logger)
	a.Service = svc

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(middleware.NewStructuredLogger(a.logger))
	router.Use(chimw.Recoverer)
	router.Use(middleware.Metrics)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			middleware.WriteError(w, http.StatusServiceUnavailable, "db not ready")
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())

	var limiter *middleware.RateLimiter
	if a.config.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(a.config.RateLimitRPS, a.config.RateLimitBurst, a.logger)
		limiter.StartSweeper(time.Minute, 10*time.Minute, a.stop)
	}
	auth := middleware.NewAuthenticator(a.config.JWTSecret, a.logger)
	NewAPI(svc, auth, limiter).AppendRoutes(router)

	if a.config.ISO8583Addr != "" {
		iso8583Server := ledger8583.NewServer(a.logger, a.config.ISO8583Addr, a.isoTransfer(svc))
		if err := iso8583Server.Start(); err != nil {
			return fmt.Errorf("starting iso8583 server: %w", err)
		}
		a.ISO8583ServerAddr = iso8583Server.Addr
		a.iso8583Server = iso8583Server
	}

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

// openRepository picks the storage backend: pg for runtime, mem only when explicitly allowed.
func (a *App) openRepository() (Repository, error) {
	switch a.config.RepoBackend {
	case "pg":
		if a.config.DBDSN == "" {
			return nil, fmt.Errorf("DB_DSN is required for pg backend")
		}
		if a.config.MigrateOnStart {
			if err := migrations.Up(a.config.DBDSN, a.logger); err != nil {
				return nil, fmt.Errorf("migrating database: %w", err)
			}
		}
		db, err := sql.Open("postgres", a.config.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(a.config.DBMaxIdleConns)
		db.SetMaxOpenConns(a.config.DBMaxOpenConns)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.db = db
		return NewPGRepository(db, PGOptions{
			LockTimeout:      a.config.LockTimeout,
			StatementTimeout: a.config.StatementTimeout,
		}), nil
	case "mem":
		if !a.config.AllowMemBackend {
			return nil, fmt.Errorf("mem repository is disabled at runtime; set ALLOW_MEM_BACKEND=true only in tests and demos")
		}
		return NewRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported REPO_BACKEND=%s", a.config.RepoBackend)
	}
}

// isoTransfer adapts the service to the card network. The network is trusted
// to assert the acting user in DE48.
func (a *App) isoTransfer(svc *Service) ledger8583.TransferFunc {
	return func(ctx context.Context, userID string, req models.TransferRequest) (*models.TransferResult, error) {
		p := Principal{ID: userID, Role: RoleUser}
		var result *models.TransferResult
		err := RetryTransient(ctx, a.config.TransientRetries, a.config.TransientBackoff, func() (err error) {
			result, err = svc.Transfer(ctx, p, req)
			return err
		})
		return result, err
	}
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	close(a.stop)

	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.srv.Shutdown(ctx)
	}

	if a.iso8583Server != nil {
		if err := a.iso8583Server.Close(); err != nil {
			a.logger.Error("closing iso8583 server", "err", err)
		}
	}

	a.wg.Wait()

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("closing database", "err", err)
		}
	}

	a.logger.Info("app stopped")
}
