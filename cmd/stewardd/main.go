package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/kimeisele/steward-protocol-sub001/internal/auditor"
	"github.com/kimeisele/steward-protocol-sub001/internal/bank"
	"github.com/kimeisele/steward-protocol-sub001/internal/identity"
	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/internal/oracle"
	"github.com/kimeisele/steward-protocol-sub001/internal/projector"
	"github.com/kimeisele/steward-protocol-sub001/internal/server/handler"
	"github.com/kimeisele/steward-protocol-sub001/internal/watchman"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("stewardd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("stewardd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8420)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("ledger.total_supply", int64(1_000_000_000))
	viper.SetDefault("identity.system_id", "steward-system")
	viper.SetDefault("identity.key_dir", "keys")
	viper.SetDefault("identity.freshness_window", "5m")
	viper.SetDefault("operator.secret_hash", "")
	viper.SetDefault("operator.signing_secret", "")
	viper.SetDefault("operator.token_ttl", "1h")
	viper.SetDefault("auditor.interval", "5m")
	viper.SetDefault("watchman.rules", []map[string]any{})

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── System identity ──────────────────────────────────────────────────────
	keyDir := viper.GetString("identity.key_dir")
	system, err := identity.NewKeystore(keyDir).LoadOrCreate()
	if err != nil {
		return fmt.Errorf("system keypair setup: %w", err)
	}
	systemID := viper.GetString("identity.system_id")
	logger.Info("system identity ready",
		zap.String("system_id", systemID),
		zap.String("public_key", system.PublicKeyHex),
	)

	genesis := action.GenesisPayload{
		TotalSupply:     viper.GetInt64("ledger.total_supply"),
		SystemID:        systemID,
		SystemPublicKey: system.PublicKeyHex,
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	startCtx := context.Background()
	var chain ledger.Ledger
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		pool, err := pgxpool.New(startCtx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(startCtx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		chain, err = ledger.NewPostgres(startCtx, pool, genesis, logger)
		if err != nil {
			return fmt.Errorf("open postgres ledger: %w", err)
		}
		logger.Info("ledger backend: postgres")
	} else {
		chain, err = ledger.NewMemory(genesis)
		if err != nil {
			return fmt.Errorf("open memory ledger: %w", err)
		}
		logger.Warn("ledger backend: in-memory (set database.url for durability)")
	}

	if err := chain.VerifyChain(startCtx, 0, 0); err != nil {
		return fmt.Errorf("chain integrity check failed at startup: %w", err)
	}
	tip, err := chain.Tip(startCtx)
	if err != nil {
		return fmt.Errorf("read chain tip: %w", err)
	}
	logger.Info("chain verified",
		zap.Uint64("tip_sequence", tip.Sequence),
		zap.String("tip_hash", tip.Hash),
	)

	// ── Projection and engine ────────────────────────────────────────────────
	registry := identity.NewRegistry()
	proj := projector.New(chain)
	proj.OnApply(registry.Apply)
	if err := proj.CatchUp(startCtx); err != nil {
		return fmt.Errorf("project chain: %w", err)
	}

	window := viper.GetDuration("identity.freshness_window")
	verifier := identity.NewVerifier(registry, window)
	engine := bank.New(chain, verifier, registry, proj, system, systemID, logger)
	orc := oracle.New(chain, proj, logger)

	// ── Watchman ─────────────────────────────────────────────────────────────
	var rules []watchman.Rule
	if err := viper.UnmarshalKey("watchman.rules", &rules); err != nil {
		return fmt.Errorf("parse watchman rules: %w", err)
	}
	watch := watchman.New(rules, engine, proj, logger)
	engine.SetObserver(watch.Observe)
	logger.Info("watchman armed", zap.Int("rules", len(rules)))

	// ── Auditor ──────────────────────────────────────────────────────────────
	audit := auditor.New(chain, engine, auditor.Config{
		Interval: viper.GetDuration("auditor.interval"),
	}, logger)
	audit.OnResult(handler.RecordChainCheck)

	// ── Operator auth ────────────────────────────────────────────────────────
	secretHash := viper.GetString("operator.secret_hash")
	if secretHash == "" {
		// Generated per boot when unset; admin endpoints are then unusable,
		// which is the safe default for a fresh install.
		random, err := bcrypt.GenerateFromPassword([]byte(fmt.Sprintf("%d", time.Now().UnixNano())), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("generate placeholder secret hash: %w", err)
		}
		secretHash = string(random)
		logger.Warn("operator.secret_hash not set; operator endpoints disabled this run")
	}
	signingSecret := viper.GetString("operator.signing_secret")
	if signingSecret == "" {
		// Per-boot secret: issued tokens stop working across restarts.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate token signing secret: %w", err)
		}
		signingSecret = hex.EncodeToString(buf)
	}
	issuer := identity.NewOperatorIssuer(
		[]byte(signingSecret),
		"stewardd",
		viper.GetDuration("operator.token_ttl"),
	)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(rps, rps*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		status := "ok"
		code := http.StatusOK
		if engine.Halted() {
			status = "halted"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	handler.NewActionHandler(engine, logger).Register(v1)
	handler.NewLedgerHandler(chain, logger).Register(v1)
	handler.NewAgentHandler(engine, proj, issuer, logger).Register(v1)
	handler.NewOracleHandler(orc, logger).Register(v1)
	handler.NewAuthHandler(issuer, []byte(secretHash), logger).Register(v1)

	// ── Serve ────────────────────────────────────────────────────────────────
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("stewardd HTTP listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := watch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watchman: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := audit.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("auditor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down stewardd...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stewardd stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
