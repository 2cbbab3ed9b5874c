package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/caarlos0/env/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/arwahdevops/schemasync/internal/config"
	"github.com/arwahdevops/schemasync/internal/db"
	"github.com/arwahdevops/schemasync/internal/logger"
	"github.com/arwahdevops/schemasync/internal/metadata"
	"github.com/arwahdevops/schemasync/internal/metrics"
	"github.com/arwahdevops/schemasync/internal/secrets"
	"github.com/arwahdevops/schemasync/internal/server"
	projectSync "github.com/arwahdevops/schemasync/internal/sync"
)

// CLI flags override the matching environment variables.
type CLI struct {
	EntitiesFile string `name:"entities-file" help:"Override ENTITIES_FILE (YAML entity and index declarations)." type:"path"`
	DropSchema   bool   `name:"drop-schema" help:"Drop every managed index and recreate all declared ones (overrides DROP_SCHEMA)."`
	DDLTxMode    string `name:"ddl-tx-mode" help:"Override DDL_TRANSACTION_MODE (auto, always, never). always requires postgres or sqlite."`
	Once         bool   `name:"once" help:"Synchronize once and exit without serving HTTP."`
	DryRun       bool   `name:"dry-run" help:"Compute and log the plan without executing any DDL. Implies --once."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("schemasync"),
		kong.Description("Declarative index synchronization for MySQL, PostgreSQL and SQLite"),
		kong.UsageOnError(),
	)

	// 1. Load environment variables (.env overrides)
	if err := godotenv.Overload(".env"); err != nil {
		stdlog.Printf("Warning: Could not load .env file: %v. Relying on environment variables.\n", err)
	}

	// 2. Logger settings are needed before the full config is validated
	preCfg := &struct {
		EnableJsonLogging bool `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
		DebugMode         bool `env:"DEBUG_MODE" envDefault:"false"`
	}{}
	if err := env.Parse(preCfg); err != nil {
		stdlog.Fatalf("Failed to parse pre-configuration for logger: %v", err)
	}

	// 3. Initialize Zap logger
	if err := logger.Init(preCfg.DebugMode, preCfg.EnableJsonLogging); err != nil {
		stdlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Log.Sync() }()

	// 4. Load configuration, apply CLI overrides, validate again
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal("Configuration loading error from environment", zap.Error(err))
	}
	applyCliOverrides(cfg, &cli)
	if err := config.Validate(cfg); err != nil {
		logger.Log.Fatal("Invalid configuration after CLI overrides", zap.Error(err))
	}
	unmanaged, err := cfg.UnmanagedPattern()
	if err != nil {
		logger.Log.Fatal("Invalid unmanaged index pattern", zap.Error(err))
	}
	logLoadedConfig(cfg)

	// 5. Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsStore := metrics.NewMetricsStore()

	// 6. Entity declarations
	decls, err := metadata.LoadDeclarations(cfg.EntitiesFile)
	if err != nil {
		logger.Log.Fatal("Failed to load entity declarations", zap.String("path", cfg.EntitiesFile), zap.Error(err))
	}
	registry, err := metadata.NewRegistry(decls, nil)
	if err != nil {
		logger.Log.Fatal("Failed to build entity metadata", zap.Error(err))
	}
	logger.Log.Info("Entity metadata built", zap.Int("entities", registry.Len()), zap.String("path", cfg.EntitiesFile))

	// 7. Credentials
	vaultMgr, vaultErr := secrets.NewVaultManager(cfg, logger.Log)
	if vaultErr != nil {
		if cfg.VaultEnabled {
			logger.Log.Fatal("Failed to initialize Vault secret manager", zap.Error(vaultErr))
		}
		logger.Log.Warn("Could not initialize Vault secret manager", zap.Error(vaultErr))
	}
	availableSecretManagers := make([]secrets.SecretManager, 0, 1)
	if vaultMgr != nil && vaultMgr.IsEnabled() {
		availableSecretManagers = append(availableSecretManagers, vaultMgr)
	}
	creds, err := loadCredentials(ctx, cfg, availableSecretManagers)
	if err != nil {
		logger.Log.Fatal("Failed to load database credentials", zap.Error(err))
	}

	// 8. Connect
	conn, err := connectDBWithRetry(ctx, cfg, creds, metricsStore)
	if err != nil {
		logger.Log.Fatal("Failed to establish database connection", zap.Error(err))
	}
	defer func() {
		logger.Log.Info("Closing database connection...")
		if err := conn.Close(); err != nil {
			logger.Log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := conn.Optimize(cfg.ConnPoolSize, cfg.ConnMaxLifetime); err != nil {
		logger.Log.Warn("Failed to optimize database pool", zap.Error(err))
	}

	// 9. Synchronizer
	synchronizer := projectSync.NewSynchronizer(
		registry,
		projectSync.NewGormQueryRunnerFactory(conn, logger.Log),
		projectSync.Options{TransactionMode: cfg.DDLTransactionMode, UnmanagedIndexes: unmanaged},
		logger.Log,
		metricsStore,
	)

	once := cli.Once || cli.DryRun
	if !once {
		go server.RunHTTPServer(ctx, server.Dependencies{
			Config:       cfg,
			Metrics:      metricsStore,
			DB:           conn,
			Synchronizer: synchronizer,
			Reload:       reloadFunc(cfg.EntitiesFile, synchronizer),
			Logger:       logger.Log,
		})
	}

	exitCode := 0
	switch {
	case cli.DryRun:
		report, err := synchronizer.Plan(ctx)
		exitCode = processReport(report, err)
	case cfg.SyncOnStartup:
		logger.Log.Info("Starting index synchronization...", zap.Bool("drop_first", cfg.DropSchema))
		report, err := synchronizer.Synchronize(ctx, cfg.DropSchema)
		exitCode = processReport(report, err)
	default:
		logger.Log.Info("SYNC_ON_STARTUP is disabled; waiting for admin requests")
	}

	if !once {
		if ctx.Err() == nil {
			logger.Log.Info("Startup synchronization completed. Waiting for shutdown signal (Ctrl+C or SIGTERM)...")
			<-ctx.Done()
		} else {
			logger.Log.Info("Shutdown signal received during synchronization. Proceeding with cleanup.")
		}
		// the server owns the exit status once it has been serving
		exitCode = 0
	}

	logger.Log.Info("Shutdown complete. Exiting.", zap.Int("exit_code", exitCode))
	if exitCode != 0 {
		_ = logger.Log.Sync()
		_ = conn.Close()
		os.Exit(exitCode)
	}
}

func applyCliOverrides(cfg *config.Config, cli *CLI) {
	if cli.EntitiesFile != "" {
		logger.Log.Info("Overriding ENTITIES_FILE with CLI flag", zap.String("env_value", cfg.EntitiesFile), zap.String("cli_value", cli.EntitiesFile))
		cfg.EntitiesFile = cli.EntitiesFile
	}
	if cli.DropSchema {
		logger.Log.Info("Overriding DROP_SCHEMA with CLI flag", zap.Bool("env_value", cfg.DropSchema), zap.Bool("cli_value", true))
		cfg.DropSchema = true
	}
	if cli.DDLTxMode != "" {
		logger.Log.Info("Overriding DDL_TRANSACTION_MODE with CLI flag", zap.String("env_value", string(cfg.DDLTransactionMode)), zap.String("cli_value", cli.DDLTxMode))
		cfg.DDLTransactionMode = config.DDLTransactionMode(cli.DDLTxMode)
	}
	if cli.Once || cli.DryRun {
		cfg.SyncOnStartup = true
	}
}

func logLoadedConfig(cfg *config.Config) {
	passSource := "not set"
	if cfg.DB.Password != "" {
		passSource = "env var"
	} else if cfg.VaultEnabled && cfg.DBSecretPath != "" {
		passSource = "vault"
	}

	logger.Log.Info("Final configuration in use",
		zap.String("entities_file", cfg.EntitiesFile),
		zap.Bool("drop_schema", cfg.DropSchema),
		zap.Bool("sync_on_startup", cfg.SyncOnStartup),
		zap.String("ddl_transaction_mode", string(cfg.DDLTransactionMode)),
		zap.String("unmanaged_index_pattern", cfg.UnmanagedIndexPattern),
		zap.String("dialect", cfg.DB.Dialect), zap.String("host", cfg.DB.Host), zap.Int("port", cfg.DB.Port), zap.String("user", cfg.DB.User),
		zap.String("password_source", passSource), zap.String("dbname", cfg.DB.DBName), zap.String("sslmode", cfg.DB.SSLMode),
		zap.String("sqlite_driver", cfg.DB.SQLiteDriver),
		zap.Int("max_retries", cfg.MaxRetries), zap.Duration("retry_interval", cfg.RetryInterval),
		zap.Int("conn_pool_size", cfg.ConnPoolSize), zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
		zap.Bool("json_logging", cfg.EnableJsonLogging), zap.Bool("enable_pprof", cfg.EnablePprof), zap.Int("http_port", cfg.HTTPPort),
		zap.Bool("admin_enabled", cfg.AdminToken != ""), zap.Bool("debug_mode", cfg.DebugMode),
		zap.Bool("vault_enabled", cfg.VaultEnabled), zap.String("vault_addr", cfg.VaultAddr), zap.Bool("vault_token_present", cfg.VaultToken != ""),
		zap.String("db_secret_path", cfg.DBSecretPath),
	)
}

// loadCredentials prefers DB_PASSWORD and falls back to the enabled secret managers.
func loadCredentials(ctx context.Context, cfg *config.Config, secretManagers []secrets.SecretManager) (*secrets.Credentials, error) {
	log := logger.Log.With(zap.String("dialect", cfg.DB.Dialect))

	if cfg.DB.Dialect == "sqlite" {
		return &secrets.Credentials{}, nil
	}
	if cfg.DB.Password != "" {
		log.Info("Using password directly from environment variable for DB.")
		if cfg.DB.User == "" {
			return nil, fmt.Errorf("password provided via DB_PASSWORD, but DB_USER is missing")
		}
		return &secrets.Credentials{Username: cfg.DB.User, Password: cfg.DB.Password}, nil
	}

	if cfg.DBSecretPath == "" {
		return nil, fmt.Errorf("could not load database credentials. Set DB_PASSWORD, or enable Vault (VAULT_ENABLED=true) and set DB_SECRET_PATH")
	}
	if len(secretManagers) == 0 {
		log.Warn("DB_SECRET_PATH is configured, but no secret managers are active/enabled.")
	}
	for _, sm := range secretManagers {
		log.Info("Attempting to retrieve credentials from secret manager",
			zap.String("manager_type", fmt.Sprintf("%T", sm)),
			zap.String("path_or_id", cfg.DBSecretPath))
		getCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		creds, err := sm.GetCredentials(getCtx, cfg.DBSecretPath, cfg.DBUsernameKey, cfg.DBPasswordKey)
		cancel()
		if err != nil || creds == nil {
			log.Warn("Failed to retrieve credentials from secret manager. Trying next if available.",
				zap.String("manager_type", fmt.Sprintf("%T", sm)), zap.Error(err))
			continue
		}
		if creds.Password == "" {
			return nil, fmt.Errorf("retrieved credentials from %T, but password field is empty", sm)
		}
		if creds.Username == "" {
			log.Warn("Username field empty in retrieved secret. Falling back to DB_USER.", zap.String("db_config_user", cfg.DB.User))
			creds.Username = cfg.DB.User
			if creds.Username == "" {
				return nil, fmt.Errorf("password retrieved, but username is missing in both secret and DB_USER")
			}
		}
		return creds, nil
	}
	return nil, fmt.Errorf("no enabled secret manager returned credentials for %s", cfg.DBSecretPath)
}

func connectDBWithRetry(ctx context.Context, cfg *config.Config, creds *secrets.Credentials, metricsStore *metrics.Store) (*db.Connector, error) {
	dbCfg := cfg.DB
	dsn := buildDSN(dbCfg, creds.Username, creds.Password)
	if dsn == "" {
		metricsStore.SyncErrorsTotal.WithLabelValues(metrics.ErrorTypeConnection, "").Inc()
		return nil, fmt.Errorf("could not build DSN (unsupported dialect: %s)", dbCfg.Dialect)
	}

	var lastErr error
	for i := 0; i <= cfg.MaxRetries; i++ {
		attemptStartTime := time.Now()
		if i > 0 {
			logger.Log.Warn("Retrying database connection",
				zap.Int("attempt", i+1),
				zap.Int("max_attempts", cfg.MaxRetries+1),
				zap.Duration("wait_interval", cfg.RetryInterval),
				zap.NamedError("previous_error", lastErr))
			timer := time.NewTimer(cfg.RetryInterval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("context cancelled while waiting to retry connection (attempt %d): %w; last error: %v", i+1, ctx.Err(), lastErr)
			}
		}

		logger.Log.Info("Attempting to connect",
			zap.String("dialect", dbCfg.Dialect),
			zap.String("host", dbCfg.Host),
			zap.Int("port", dbCfg.Port),
			zap.String("dbname", dbCfg.DBName),
			zap.String("user", creds.Username),
			zap.Int("attempt", i+1))

		conn, err := db.New(dbCfg.Dialect, dsn, db.Options{SQLiteDriver: dbCfg.SQLiteDriver}, logger.GetGormLogger())
		if err != nil {
			lastErr = fmt.Errorf("connect attempt %d/%d failed: %w", i+1, cfg.MaxRetries+1, err)
			continue
		}

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr := conn.Ping(pingCtx)
		pingCancel()
		if pingErr != nil {
			lastErr = fmt.Errorf("ping attempt %d/%d failed: %w", i+1, cfg.MaxRetries+1, pingErr)
			_ = conn.Close()
			continue
		}

		logger.Log.Info("Database connection successful", zap.Duration("connect_duration", time.Since(attemptStartTime)))
		return conn, nil
	}

	metricsStore.SyncErrorsTotal.WithLabelValues(metrics.ErrorTypeConnection, "").Inc()
	return nil, fmt.Errorf("failed to connect to %s at %s:%d after %d attempts: %w",
		dbCfg.Dialect, dbCfg.Host, dbCfg.Port, cfg.MaxRetries+1, lastErr)
}

func buildDSN(cfg config.DatabaseConfig, username, password string) string {
	sslmode := strings.ToLower(cfg.SSLMode)

	switch strings.ToLower(cfg.Dialect) {
	case "mysql":
		sslParam := "tls=false"
		switch sslmode {
		case "", "disable":
		case "allow", "prefer":
			sslParam = "tls=skip-verify"
		default:
			sslParam = "tls=true"
			if sslmode == "verify-ca" || sslmode == "verify-full" {
				logger.Log.Warn("MySQL SSL modes 'verify-ca' and 'verify-full' need a registered TLS config for real verification. Using 'tls=true'.", zap.String("sslmode", sslmode))
			}
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=10s&readTimeout=60s&writeTimeout=60s&%s",
			username, password, cfg.Host, cfg.Port, cfg.DBName, sslParam)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
			cfg.Host, cfg.Port, username, password, cfg.DBName, sslmode)
	case "sqlite":
		if cfg.SQLiteDriver == db.SQLiteDriverCGO {
			return fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", cfg.DBName)
		}
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBName)
	default:
		logger.Log.Error("Cannot build DSN: Unsupported database dialect", zap.String("dialect", cfg.Dialect))
		return ""
	}
}

// reloadFunc re-reads path and rebuilds it with the synchronizer's naming strategy.
func reloadFunc(path string, s projectSync.SynchronizerInterface) server.ReloadFunc {
	return func(context.Context) (*metadata.Registry, error) {
		decls, err := metadata.LoadDeclarations(path)
		if err != nil {
			return nil, err
		}
		return s.Registry().Rebuild(decls)
	}
}

// processReport logs the run and maps it to an exit code:
// 0 success, 1 table failures or an aborted run, 2 session release failures only.
func processReport(report *projectSync.RunReport, runErr error) int {
	if report == nil {
		logger.Log.Error("Synchronization did not produce a report", zap.Error(runErr))
		return 1
	}

	releaseFailures := 0
	for _, t := range report.Tables {
		fields := []zap.Field{
			zap.String("entity", t.Entity),
			zap.String("table", t.Table),
			zap.Bool("table_exists", t.Plan.TableExists),
			zap.Strings("drops", operationNames(t.Plan.Drops)),
			zap.Strings("creates", operationNames(t.Plan.Creates)),
			zap.Strings("recreates", t.Plan.Recreates),
			zap.Int("executed", len(t.Executed)),
			zap.Duration("duration", t.Duration),
		}
		if len(t.Plan.Unmanaged) > 0 {
			fields = append(fields, zap.Strings("unmanaged", t.Plan.Unmanaged))
		}
		if t.ReleaseErr != nil {
			releaseFailures++
			fields = append(fields, zap.NamedError("release_error", t.ReleaseErr))
		}

		level := zap.InfoLevel
		statusMsg := "Table indexes synchronized."
		switch {
		case report.DryRun:
			statusMsg = "Table index plan computed (dry run)."
		case t.Err != nil:
			level = zap.ErrorLevel
			statusMsg = "Table index synchronization FAILED."
			fields = append(fields, zap.Error(t.Err))
		case t.ReleaseErr != nil:
			level = zap.WarnLevel
			statusMsg = "Table indexes synchronized, but releasing the session FAILED."
		}
		logger.Log.Check(level, statusMsg).Write(fields...)
	}

	failed := report.Failed()
	logger.Log.Info("-------------------- Synchronization Summary --------------------",
		zap.String("run_id", report.RunID),
		zap.Bool("dry_run", report.DryRun),
		zap.Bool("drop_first", report.DropFirst),
		zap.Int("tables_evaluated", len(report.Tables)),
		zap.Int("tables_failed", len(failed)),
		zap.Int("statements_executed", report.ExecutedCount()),
		zap.Int("release_failures", releaseFailures),
		zap.Duration("duration", report.Duration),
	)

	switch {
	case len(failed) > 0:
		tables := make([]string, 0, len(failed))
		for _, t := range failed {
			tables = append(tables, t.Table)
		}
		logger.Log.Error("Overall synchronization: COMPLETED WITH ERRORS.", zap.Strings("tables", tables))
		return 1
	case runErr != nil:
		if errors.Is(runErr, context.Canceled) {
			logger.Log.Warn("Overall synchronization: INTERRUPTED.", zap.Error(runErr))
		} else {
			logger.Log.Error("Overall synchronization: FAILED.", zap.Error(runErr))
		}
		return 1
	case releaseFailures > 0:
		logger.Log.Warn("Overall synchronization: COMPLETED, BUT SOME SESSIONS COULD NOT BE RELEASED.")
		return 2
	}
	logger.Log.Info("Overall synchronization: COMPLETED SUCCESSFULLY.")
	return 0
}

func operationNames(ops []projectSync.DDLOperation) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Index.Name)
	}
	return out
}
