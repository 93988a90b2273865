package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mcclellann/payAdvance/pkg/authz"
	"github.com/mcclellann/payAdvance/pkg/config"
	"github.com/mcclellann/payAdvance/pkg/directory"
	"github.com/mcclellann/payAdvance/pkg/ledger"
	"github.com/mcclellann/payAdvance/pkg/notify"
	"github.com/mcclellann/payAdvance/pkg/payroll"
	"github.com/mcclellann/payAdvance/pkg/store"
)

// Server holds the ledger and the collaborators of the HTTP API.
type Server struct {
	ledger    *ledger.Ledger
	payroll   *payroll.Bridge
	authz     *authz.Authorizer
	hub       *notify.Hub // Nil disables /ws/events
	jwtSecret []byte
	limiter   *rateLimiter
	log       *slog.Logger
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Ledger     *ledger.Ledger
	Authorizer *authz.Authorizer
	Hub        *notify.Hub
	JWTSecret  string
	RateLimit  float64
	RateBurst  int
	Logger     *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:    cfg.Ledger,
		payroll:   payroll.NewBridge(cfg.Ledger, store.RetryConfig{}, logger),
		authz:     cfg.Authorizer,
		hub:       cfg.Hub,
		jwtSecret: []byte(cfg.JWTSecret),
		limiter:   newRateLimiter(cfg.RateLimit, cfg.RateBurst),
		log:       logger,
	}
}

// Router builds the API routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests, s.rateLimit, s.authenticate)

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.authorize(ledger.ActionRequest, s.createLoanHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.authorize(ledger.ActionDelete, s.deleteLoanHandler)).Methods("DELETE")
	router.HandleFunc("/loans/{id}/approve", s.authorize(ledger.ActionApprove, s.approveLoanHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}/reject", s.authorize(ledger.ActionReject, s.rejectLoanHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}/cancel", s.authorize(ledger.ActionCancel, s.cancelLoanHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}/disburse", s.authorize(ledger.ActionDisburse, s.disburseLoanHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}/payments", s.authorize(ledger.ActionPayment, s.recordPaymentHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}/restructure", s.authorize(ledger.ActionRestructure, s.restructureLoanHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}/notes", s.authorize(ledger.ActionNote, s.addNoteHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}/installments", s.listInstallmentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/installments/{installmentId}/skip", s.authorize(ledger.ActionSkip, s.skipInstallmentHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}/events", s.historyHandler).Methods("GET")

	router.HandleFunc("/payroll/due", s.requireRole(ledger.ActionPayrollConfirm, s.payrollDueHandler)).Methods("GET")
	router.HandleFunc("/payroll/installments/{id}/confirm", s.requireRole(ledger.ActionPayrollConfirm, s.confirmInstallmentHandler)).Methods("POST")
	router.HandleFunc("/payroll/runs/{runId}/confirm", s.requireRole(ledger.ActionPayrollConfirm, s.confirmRunHandler)).Methods("POST")

	if s.hub != nil {
		router.HandleFunc("/ws/events", s.requireRole(ledger.ActionWatch, s.hub.ServeHTTP)).Methods("GET")
	}
	return router
}

func newLogger(level string) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeCfg := cfg.StoreConfig(logger)
	if cfg.MigrateOnStart {
		if err := store.Migrate(storeCfg); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}
	sqlStore, err := store.Open(storeCfg)
	if err != nil {
		log.Fatalf("Failed to initialize %s store: %v", cfg.DBDriver, err)
	}
	defer sqlStore.Close()

	policy, err := authz.LoadPolicyFile(cfg.AuthzPolicyFile)
	if err != nil {
		log.Fatalf("Failed to load authorization policy: %v", err)
	}
	authorizer, err := authz.NewAuthorizer(policy)
	if err != nil {
		log.Fatalf("Failed to initialize authorizer: %v", err)
	}

	hub := notify.NewHub(logger)
	go hub.Run(ctx)
	notifiers := notify.Multi{hub}
	if rn := notify.NewRedisNotifier(ctx, cfg.RedisAddr, cfg.RedisChannel, logger); rn != nil {
		defer rn.Close()
		notifiers = append(notifiers, rn)
	}

	opts := []ledger.Option{ledger.WithLogger(logger), ledger.WithNotifier(notifiers)}
	if cfg.EmployeeDirectoryFile != "" {
		dir, err := directory.LoadFile(cfg.EmployeeDirectoryFile)
		if err != nil {
			log.Fatalf("Failed to load employee directory: %v", err)
		}
		opts = append(opts, ledger.WithDirectory(dir))
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set, all requests are anonymous")
	}

	server := NewServer(ServerConfig{
		Ledger:     ledger.NewLedger(sqlStore, opts...),
		Authorizer: authorizer,
		Hub:        hub,
		JWTSecret:  cfg.JWTSecret,
		RateLimit:  cfg.RateLimitRPS,
		RateBurst:  cfg.RateLimitBurst,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "port", cfg.Port, "driver", cfg.DBDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	logger.Info("server stopped")
}
