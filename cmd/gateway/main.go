package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	api "github.com/luvvix/certify/internal/api/http"
	auth "github.com/luvvix/certify/internal/auth/middleware"
	"github.com/luvvix/certify/internal/certificate"
	"github.com/luvvix/certify/internal/clock"
	"github.com/luvvix/certify/internal/config"
	"github.com/luvvix/certify/internal/db"
	"github.com/luvvix/certify/internal/enrollment"
	"github.com/luvvix/certify/internal/exam"
	"github.com/luvvix/certify/internal/grading"
	"github.com/luvvix/certify/internal/judge"
	"github.com/luvvix/certify/internal/logger"
	"github.com/luvvix/certify/internal/progress"
	syncx "github.com/luvvix/certify/internal/sync"
)

func main() {
	cfg := config.FromEnv()

	log, err := logger.New(cfg.LogMode, &logger.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- DB ---
	octx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbh, err := db.Open(octx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		log.Fatal("db open failed", "driver", cfg.DBDriver, "err", err)
	}
	defer dbh.Close()

	clk := clock.System()
	site, _ := os.Hostname()
	events := syncx.NewEventRepo(dbh, site)

	// --- Grading ---
	var j grading.Judge
	if cfg.JudgeURL != "" {
		j = judge.NewOllama(judge.Options{
			URL:        cfg.JudgeURL,
			Model:      cfg.JudgeModel,
			Timeout:    cfg.JudgeTimeout,
			RatePerSec: cfg.JudgeRatePerSec,
			Burst:      cfg.JudgeBurst,
			Log:        log.With("component", "judge"),
		})
	}
	engine := grading.NewEngine(j,
		grading.WithJudgeTimeout(cfg.JudgeTimeout),
		grading.WithConcurrency(cfg.JudgeConcurrency),
		grading.WithLogger(log.With("component", "grading")),
	)

	// --- Domain services ---
	examStore := exam.NewSQLStore(dbh, db.Driver(cfg.DBDriver))
	exams := exam.NewService(examStore, engine,
		exam.WithPolicy(exam.Policy{Cooldown: cfg.AttemptCooldown}),
		exam.WithClock(clk),
		exam.WithEvents(events),
		exam.WithLogger(log.With("component", "exam")),
		exam.WithStaleAfter(cfg.StaleSubmitAfter),
	)

	enrolls := enrollment.NewSQLStore(dbh)
	certStore := certificate.NewSQLStore(dbh)
	policy, err := certificate.ParsePolicy(cfg.CertPolicy)
	if err != nil {
		log.Fatal("bad CERT_POLICY", "value", cfg.CertPolicy, "err", err)
	}
	issuer := certificate.NewIssuer(certStore, exams, enrolls, certificate.Config{
		Policy:      policy,
		SignedBy:    cfg.CertSignedBy,
		SignedTitle: cfg.CertSignedTitle,
		CodePrefix:  cfg.CertCodePrefix,
	})
	issuer.Clock = clk
	issuer.Events = events
	issuer.Log = log.With("component", "certificate")

	var spent progress.TimeSource = progress.NopTime{}
	if cfg.RedisAddr != "" {
		rt, closeRedis, err := progress.DialRedisTime(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			log.Warn("redis unavailable; learning time reported as zero", "addr", cfg.RedisAddr, "err", err)
		} else {
			defer closeRedis()
			spent = rt
		}
	}
	agg := progress.NewAggregator(enrolls, exams, certStore, spent, clk)

	deps := api.Deps{
		Exams:       exams,
		Certs:       issuer,
		Progress:    agg,
		Enrollments: enrolls,
		Events:      events,
		DB:          dbh,
		Log:         log.With("component", "http"),
		SweepBatch:  cfg.SweepBatch,
	}

	// --- Router ---
	authSvc := auth.NewAuthService(cfg.AuthSecret)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, api.AccessLog(deps.Log), middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Local login (enabled in offline mode by default; can be enabled online via env)
	if cfg.EnableLocalAuth {
		r.Post("/auth/login", auth.LoginHandler(authSvc, auth.Credentials{
			AdminUser:     cfg.AdminUser,
			AdminPassHash: cfg.AdminPassHash,
			AllowDev:      cfg.Mode == config.ModeOffline,
		}))
	}
	api.MountPublic(r, deps)

	// Protected API (JWT → role in context → RBAC)
	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(authSvc))
		api.Mount(pr, deps)
	})

	// --- Deadline sweeper ---
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		runSweeper(ctx, exams, cfg.SweepInterval, cfg.SweepBatch, log.With("component", "sweeper"))
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr, "mode", cfg.Mode, "db", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	<-sweepDone
}

// runSweeper submits attempts whose deadline passed while nobody was
// polling them. A zero interval disables it.
func runSweeper(ctx context.Context, exams *exam.Service, every time.Duration, batch int, log *logger.Logger) {
	if every <= 0 {
		log.Info("sweeper disabled")
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		rep, err := exams.SweepExpired(ctx, batch)
		if err != nil {
			log.Warn("sweep failed", "err", err)
			continue
		}
		if rep.Expired+rep.Recovered+rep.Failed > 0 {
			log.Info("sweep", "expired", rep.Expired, "recovered", rep.Recovered, "failed", rep.Failed)
		}
	}
}
