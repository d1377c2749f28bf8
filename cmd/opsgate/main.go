package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/opsgate/internal/audit"
	"github.com/xela07ax/opsgate/internal/dedup"
	"github.com/xela07ax/opsgate/internal/domain"
	"github.com/xela07ax/opsgate/internal/engine"
	"github.com/xela07ax/opsgate/internal/executor"
	"github.com/xela07ax/opsgate/internal/gate"
	"github.com/xela07ax/opsgate/internal/infra"
	"github.com/xela07ax/opsgate/internal/infra/auth"
	"github.com/xela07ax/opsgate/internal/ops"
	"github.com/xela07ax/opsgate/internal/producer"
	"github.com/xela07ax/opsgate/internal/repository/postgres"
	"github.com/xela07ax/opsgate/internal/store"
	"github.com/xela07ax/opsgate/internal/triage"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Durable-слой: стор элементов и журнал аудита
	fs, err := store.NewFSStore(cfg.Store.Root, logger)
	if err != nil {
		logger.Fatal("failed to init item store", zap.Error(err))
	}

	auditor, err := audit.Open(cfg.Audit.Dir, audit.NewSanitizer(cfg.Audit.MaxBodyLen), logger)
	if err != nil {
		logger.Fatal("failed to open audit log", zap.Error(err))
	}
	defer auditor.Close()

	// Опциональное зеркало аудита в Postgres
	var mirror *audit.Mirror
	if cfg.Database.URL != "" {
		repo, err := postgres.NewAuditRepo(cfg.Database.URL)
		if err != nil {
			logger.Fatal("failed to connect audit mirror database", zap.Error(err))
		}
		defer repo.Close()

		mirror = audit.NewMirror(repo, cfg.Audit.MirrorBuffer, cfg.Audit.MirrorFlushIv, logger)
		mirror.Start()
		defer mirror.Stop()
		auditor.AttachMirror(mirror)
	}

	// 3. Дедупликация: файл или Redis
	var tracker dedup.Tracker
	switch cfg.Dedup.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt := dedup.NewRedisTracker(rdb, logger)
		if err := rt.Init(appCtx); err != nil {
			logger.Fatal("failed to warm redis dedup tracker", zap.Error(err))
		}
		tracker = rt
	default:
		ft, err := dedup.NewFileTracker(cfg.Dedup.Path, logger)
		if err != nil {
			logger.Fatal("failed to open dedup tracker", zap.Error(err))
		}
		defer ft.Close()
		tracker = ft
	}

	// 4. Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// 5. Исполнители: имитация внешних систем за Reliability-обвязкой
	relCfg := executor.ReliabilityConfig{
		RateLimit:     cfg.Engine.RateLimit,
		RateBurst:     cfg.Engine.RateBurst,
		CBMaxRequests: cfg.Engine.CBMaxRequests,
		CBInterval:    cfg.Engine.CBInterval,
		CBTimeout:     cfg.Engine.CBTimeout,
		CallTimeout:   cfg.Engine.DispatchTimeout,
	}
	registry := executor.NewRegistry()
	mock := &executor.MockExecutor{Latency: 100 * time.Millisecond}
	wrapped := make(map[domain.Kind]*executor.Reliability)
	for _, k := range []domain.Kind{domain.KindMessage, domain.KindFileDrop, domain.KindScheduled} {
		w := executor.NewReliability(mock, string(k), relCfg)
		wrapped[k] = w
		registry.Register(k, w)
	}

	// 6. Ядро: triage -> gate -> dispatcher -> orchestrator
	tr := triage.NewPolicyTriage(nil, domain.LevelMedium, 24*time.Hour, logger)
	g := gate.New(fs, fs, auditor, logger)
	dispatcher := engine.NewDispatcher(fs, registry, auditor, metrics,
		cfg.Engine.MaxAttempts, cfg.Engine.DispatchTimeout, logger)
	orch := engine.NewOrchestrator(fs, tr, g, dispatcher, auditor, metrics,
		cfg.Engine.TickInterval, logger)

	orch.Start(appCtx)
	defer orch.Stop()

	go reportSaturation(appCtx, mirror, wrapped, metrics)

	// 7. Операционный API
	authService, err := buildAuthService(cfg)
	if err != nil {
		logger.Fatal("failed to init auth", zap.Error(err))
	}
	apiProducer := producer.New("ops-api", fs, tracker, auditor, logger)
	server := ops.NewServer(logger, authService, fs, fs, fs, g, apiProducer,
		cfg.Audit.Dir, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 8. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("opsgate started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("opsgate stopping...")

	// Останавливаем цикл первым: элемент в полете доезжает до конца
	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("opsgate exited properly")
}

func buildAuthService(cfg *infra.Config) (*ops.AuthService, error) {
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}

	operators := make([]domain.Operator, 0, len(cfg.Auth.Operators))
	for _, op := range cfg.Auth.Operators {
		scopes := make(map[string]bool, len(op.Scopes))
		for _, sc := range op.Scopes {
			scopes[sc] = true
		}
		if _, err := bcrypt.Cost([]byte(op.PasswordHash)); err != nil {
			return nil, fmt.Errorf("operator %s: password_hash is not bcrypt: %w", op.Username, err)
		}
		operators = append(operators, domain.Operator{
			ID:           op.ID,
			Username:     op.Username,
			PasswordHash: op.PasswordHash,
			Scopes:       scopes,
		})
	}

	return ops.NewAuthService(operators, pubKey, privKey, cfg.Auth.TokenTTL), nil
}

// reportSaturation прокидывает заполненность буфера зеркала и состояние
// предохранителей в метрики.
func reportSaturation(ctx context.Context, mirror *audit.Mirror, wrapped map[domain.Kind]*executor.Reliability, metrics *engine.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if mirror != nil {
				metrics.AuditBufferFill.Set(float64(mirror.Fill()))
			}
			for kind, w := range wrapped {
				open := 0.0
				if w.State() == gobreaker.StateOpen {
					open = 1.0
				}
				metrics.CircuitBreakerState.WithLabelValues(string(kind)).Set(open)
			}
		}
	}
}
