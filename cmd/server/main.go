package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/api"
	"github.com/psiphi75/SwirlVPN/internal/api/middleware"
	"github.com/psiphi75/SwirlVPN/internal/event"
	"github.com/psiphi75/SwirlVPN/internal/payment"
	"github.com/psiphi75/SwirlVPN/internal/repository/postgres"
	"github.com/psiphi75/SwirlVPN/internal/scheduler"
	schedulerjobs "github.com/psiphi75/SwirlVPN/internal/scheduler/jobs"
	"github.com/psiphi75/SwirlVPN/internal/service"
	"github.com/psiphi75/SwirlVPN/pkg/mailer"
)

type Config struct {
	App struct {
		Env string `mapstructure:"env"`
	} `mapstructure:"app"`
	Server struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Database struct {
		URL         string        `mapstructure:"url"`
		MaxConns    int           `mapstructure:"max_conns"`
		PingTimeout time.Duration `mapstructure:"ping_timeout"`
	} `mapstructure:"database"`
	Log struct {
		Level    string `mapstructure:"level"`
		Encoding string `mapstructure:"encoding"`
	} `mapstructure:"log"`
	Security struct {
		GatewaySharedKey        string   `mapstructure:"gateway_shared_key"`
		GatewaySharedKeyFile    string   `mapstructure:"gateway_shared_key_file"`
		GatewayAllowedCIDRs     []string `mapstructure:"gateway_allowed_cidrs"`
		InternalToken           string   `mapstructure:"internal_token"`
		InternalTokenFile       string   `mapstructure:"internal_token_file"`
		PaymentWebhookToken     string   `mapstructure:"payment_webhook_token"`
		PaymentWebhookTokenFile string   `mapstructure:"payment_webhook_token_file"`
	} `mapstructure:"security"`
	Payment struct {
		APIURL        string `mapstructure:"api_url"`
		AccountID     string `mapstructure:"account_id"`
		SecretKey     string `mapstructure:"secret_key"`
		SecretKeyFile string `mapstructure:"secret_key_file"`
	} `mapstructure:"payment"`
	Ledger struct {
		ValidityDays int    `mapstructure:"validity_days"`
		AccountURL   string `mapstructure:"account_url"`
	} `mapstructure:"ledger"`
	Mail struct {
		APIURL     string `mapstructure:"api_url"`
		APIKey     string `mapstructure:"api_key"`
		APIKeyFile string `mapstructure:"api_key_file"`
		From       string `mapstructure:"from"`
		Subject    string `mapstructure:"subject"`
	} `mapstructure:"mail"`
	Debug struct {
		PprofEnabled bool `mapstructure:"pprof_enabled"`
	} `mapstructure:"debug"`
}

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			os.Exit(runHealthcheck())
		case "migrate":
			if err := runMigrateCommand(); err != nil {
				fmt.Fprintln(os.Stderr, sanitizeCLIError(err))
				os.Exit(1)
			}
			return
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer logger.Sync() //nolint:errcheck

	isDebugMode := strings.EqualFold(cfg.App.Env, "development")
	if !isDebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	dbPool, err := newDBPool(context.Background(), cfg)
	if err != nil {
		logger.Fatal("connect database failed", zap.Error(err))
	}
	defer dbPool.Close()

	userRepo := postgres.NewUserRepository(dbPool)
	entRepo := postgres.NewEntitlementRepository(dbPool)
	sessionRepo := postgres.NewSessionRepository(dbPool)

	eventBus := event.NewBus()

	validity := time.Duration(cfg.Ledger.ValidityDays) * 24 * time.Hour
	ledgerSvc := service.NewLedgerService(userRepo, entRepo, sessionRepo, eventBus, logger, validity)
	admissionSvc := service.NewAdmissionService(userRepo, sessionRepo, logger)
	sessionSvc := service.NewSessionService(userRepo, sessionRepo, ledgerSvc, logger)
	reconcileSvc := service.NewReconcileService(userRepo, sessionRepo, ledgerSvc, eventBus, logger)
	accountSvc := service.NewAccountService(userRepo, entRepo, sessionRepo, ledgerSvc, logger)

	invoiceClient := payment.NewClient(cfg.Payment.APIURL, cfg.Payment.AccountID, cfg.Payment.SecretKey)
	purchaseSvc := service.NewPurchaseService(entRepo, ledgerSvc, invoiceClient, logger)

	var sender service.MessageSender
	if cfg.Mail.APIURL != "" {
		sender = mailer.NewClient(cfg.Mail.APIURL, cfg.Mail.APIKey, cfg.Mail.From, cfg.Mail.Subject, nil)
	}
	notifier := service.NewNotifier(userRepo, sender, cfg.Ledger.AccountURL, logger)
	notifier.SubscribeAll(eventBus)

	// Expiry timers cover the 24h horizon in process; the daily sweep
	// re-arms them and catches anything a restart dropped.
	expiryTimers := scheduler.NewExpiryTimers(func(purchaseID uuid.UUID) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ledgerSvc.ExpireEntitlement(ctx, purchaseID); err != nil {
			logger.Error("expire entitlement from timer",
				zap.String("purchase_id", purchaseID.String()),
				zap.Error(err))
		}
	}, logger)
	defer expiryTimers.Stop()
	ledgerSvc.SetExpiryArmer(expiryTimers.Arm)

	expiryJob := schedulerjobs.NewExpiryJob(entRepo, expiryTimers.Arm, logger)
	paymentJob := schedulerjobs.NewPaymentJob(purchaseSvc, logger)
	reaperJob := schedulerjobs.NewReaperJob(sessionSvc, logger)

	cronRunner := scheduler.NewScheduler(scheduler.Deps{
		ExpiryJob:  expiryJob,
		PaymentJob: paymentJob,
		ReaperJob:  reaperJob,
	}, logger)
	cronRunner.Start()
	defer func() {
		stopCtx := cronRunner.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(2 * time.Second):
		}
	}()

	// Timers do not survive a restart; rescan on boot.
	go expiryJob.SweepExpiring()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	readyHandler := func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Database.PingTimeout)
		defer cancel()

		if err := dbPool.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"error":  "database unavailable",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}

	router.GET("/health", healthHandler)
	router.GET("/health/ready", readyHandler)

	internalMetrics := router.Group("/internal")
	internalMetrics.Use(middleware.InternalTokenAuth(cfg.Security.InternalToken))
	internalMetrics.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if isDebugMode && cfg.Debug.PprofEnabled {
		registerPprofRoutes(router)
		logger.Info("pprof endpoint enabled", zap.String("path", "/debug/pprof/"))
	}

	api.RegisterRoutes(router, api.Deps{
		Admission: admissionSvc,
		Sessions:  sessionSvc,
		Reconcile: reconcileSvc,
		Accounts:  accountSvc,
		Purchases: purchaseSvc,
		Ledger:    ledgerSvc,
		Logger:    logger,

		GatewaySharedKey:    cfg.Security.GatewaySharedKey,
		GatewayAllowedCIDRs: cfg.Security.GatewayAllowedCIDRs,
		PaymentWebhookToken: cfg.Security.PaymentWebhookToken,
		InternalToken:       cfg.Security.InternalToken,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	logger.Info("server started",
		zap.String("addr", srv.Addr),
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_time", BuildTime),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		if err != nil {
			logger.Fatal("server exited unexpectedly", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown server failed", zap.Error(err))
	}
}

func loadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SWIRL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", "SWIRL_DATABASE_URL", "DATABASE_URL")

	v.SetDefault("app.env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.ping_timeout", "3s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("security.gateway_shared_key", "")
	v.SetDefault("security.gateway_shared_key_file", "")
	v.SetDefault("security.gateway_allowed_cidrs", []string{})
	v.SetDefault("security.internal_token", "")
	v.SetDefault("security.internal_token_file", "")
	v.SetDefault("security.payment_webhook_token", "")
	v.SetDefault("security.payment_webhook_token_file", "")
	v.SetDefault("payment.api_url", "")
	v.SetDefault("payment.account_id", "")
	v.SetDefault("payment.secret_key", "")
	v.SetDefault("payment.secret_key_file", "")
	v.SetDefault("ledger.validity_days", 30)
	v.SetDefault("ledger.account_url", "")
	v.SetDefault("mail.api_url", "")
	v.SetDefault("mail.api_key", "")
	v.SetDefault("mail.api_key_file", "")
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.subject", "Your VPN account")
	v.SetDefault("debug.pprof_enabled", false)

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return Config{}, fmt.Errorf("read config file failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config failed: %w", err)
	}

	secrets := []struct {
		value *string
		file  string
		name  string
	}{
		{&cfg.Security.GatewaySharedKey, cfg.Security.GatewaySharedKeyFile, "security.gateway_shared_key_file"},
		{&cfg.Security.InternalToken, cfg.Security.InternalTokenFile, "security.internal_token_file"},
		{&cfg.Security.PaymentWebhookToken, cfg.Security.PaymentWebhookTokenFile, "security.payment_webhook_token_file"},
		{&cfg.Payment.SecretKey, cfg.Payment.SecretKeyFile, "payment.secret_key_file"},
		{&cfg.Mail.APIKey, cfg.Mail.APIKeyFile, "mail.api_key_file"},
	}
	for _, secret := range secrets {
		if strings.TrimSpace(*secret.value) != "" || strings.TrimSpace(secret.file) == "" {
			continue
		}
		// #nosec G304 -- path is provided by operator config.
		raw, err := os.ReadFile(strings.TrimSpace(secret.file))
		if err != nil {
			return Config{}, fmt.Errorf("read %s failed: %w", secret.name, err)
		}
		*secret.value = strings.TrimSpace(string(raw))
	}

	if cfg.Database.URL == "" {
		return Config{}, errors.New("database.url is required")
	}
	if cfg.Database.MaxConns <= 0 {
		return Config{}, errors.New("database.max_conns must be greater than 0")
	}
	if cfg.Database.PingTimeout <= 0 {
		return Config{}, errors.New("database.ping_timeout must be greater than 0")
	}
	if strings.TrimSpace(cfg.Security.GatewaySharedKey) == "" {
		return Config{}, errors.New("security.gateway_shared_key is required")
	}
	if cfg.Ledger.ValidityDays <= 0 {
		return Config{}, errors.New("ledger.validity_days must be greater than 0")
	}

	return cfg, nil
}

func newLogger(cfg Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if strings.EqualFold(cfg.App.Env, "development") {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	if cfg.Log.Level != "" {
		if err := zapCfg.Level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return nil, fmt.Errorf("invalid log.level: %w", err)
		}
	}
	if cfg.Log.Encoding != "" {
		zapCfg.Encoding = cfg.Log.Encoding
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger failed: %w", err)
	}
	return logger, nil
}

func newDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database.url failed: %w", err)
	}

	const maxInt32 = int(^uint32(0) >> 1)
	if cfg.Database.MaxConns > maxInt32 {
		return nil, fmt.Errorf("database.max_conns must be <= %d", maxInt32)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns) // #nosec G115 -- validated upper bound above.

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.PingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database failed: %w", err)
	}

	return pool, nil
}

func registerPprofRoutes(router *gin.Engine) {
	pprofGroup := router.Group("/debug/pprof")
	pprofGroup.GET("/", gin.WrapF(pprof.Index))
	pprofGroup.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
	pprofGroup.GET("/symbol", gin.WrapF(pprof.Symbol))
	pprofGroup.POST("/symbol", gin.WrapF(pprof.Symbol))
	pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))
	pprofGroup.GET("/allocs", gin.WrapH(pprof.Handler("allocs")))
	pprofGroup.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
	pprofGroup.GET("/heap", gin.WrapH(pprof.Handler("heap")))
}

func runMigrateCommand() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	migrationDir := "/migrations"
	if _, statErr := os.Stat(migrationDir); statErr != nil {
		migrationDir = "./migrations"
	}

	migrator, err := migrate.New("file://"+migrationDir, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("init migrator failed: %w", err)
	}
	defer migrator.Close() //nolint:errcheck

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations failed: %w", err)
	}

	fmt.Println("migrations applied successfully")
	return nil
}

func runHealthcheck() int {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("http://localhost:8080/health/ready")
	if err != nil {
		return 1
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func sanitizeCLIError(err error) string {
	if err == nil {
		return ""
	}

	text := strings.ReplaceAll(err.Error(), "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return strings.TrimSpace(text)
}
