package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/revenue/internal/httpserver"
	"github.com/MarkoPoloResearchLab/revenue/internal/payproc"
	"github.com/MarkoPoloResearchLab/revenue/internal/store/filestore"
	"github.com/MarkoPoloResearchLab/revenue/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/revenue/internal/store/pgxstore"
	"github.com/MarkoPoloResearchLab/revenue/pkg/revenue"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagStorageURL     = "storage-url"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagAuthSigningKey = "auth-signing-key"
	flagAuthIssuer     = "auth-issuer"
	flagRequestTimeout = "request-timeout"
	flagProviderURL    = "provider-url"
	flagProviderKey    = "provider-key"
	flagProviderMock   = "provider-mock"
	envPrefix          = "REVENUED"

	defaultStorageURL = "file://./data"

	ledgerFileName  = "app_revenue.json"
	methodsFileName = "payment_methods.json"

	driverFile     = "file"
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	driverPgx      = "pgx"
)

type runtimeConfig struct {
	StorageURL   string
	ProviderURL  string
	ProviderKey  string
	ProviderMock bool
	HTTP         httpserver.Config
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "revenued: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "revenued",
		Short:         "Application revenue ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagStorageURL, defaultStorageURL, "ledger storage location (file://dir, sqlite://path, postgres://..., pgx://...)")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagAuthSigningKey, "", "JWT signing key for API bearer tokens (required)")
	cmd.Flags().String(flagAuthIssuer, "", "expected JWT issuer")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request storage/provider timeout (e.g. 3s)")
	cmd.Flags().String(flagProviderURL, "", "payment provider base URL")
	cmd.Flags().String(flagProviderKey, "", "payment provider API key (empty forces mock mode)")
	cmd.Flags().Bool(flagProviderMock, false, "fabricate payment intents locally instead of calling the provider")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagStorageURL, flagListenAddr, flagAllowedOrigins, flagAuthSigningKey,
		flagAuthIssuer, flagRequestTimeout, flagProviderURL, flagProviderKey, flagProviderMock,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.StorageURL = strings.TrimSpace(v.GetString(flagStorageURL))
	cfg.ProviderURL = strings.TrimSpace(v.GetString(flagProviderURL))
	cfg.ProviderKey = v.GetString(flagProviderKey)
	cfg.ProviderMock = v.GetBool(flagProviderMock)
	cfg.HTTP.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.HTTP.AllowedOrigins = httpserver.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.HTTP.AuthSigningKey = v.GetString(flagAuthSigningKey)
	cfg.HTTP.AuthIssuer = strings.TrimSpace(v.GetString(flagAuthIssuer))
	cfg.HTTP.RequestTimeout = v.GetDuration(flagRequestTimeout)

	if cfg.StorageURL == "" {
		cfg.StorageURL = defaultStorageURL
	}
	return cfg.HTTP.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ledgerStore, methodStore, cleanup, err := buildStores(ctx, cfg.StorageURL)
	if err != nil {
		return fmt.Errorf("storage open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := revenue.NewService(ledgerStore, methodStore, clock,
		revenue.WithOperationLogger(newZapOperationLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("revenue service init: %w", err)
	}

	processor, err := payproc.NewProcessor(payproc.Config{
		BaseURL: cfg.ProviderURL,
		APIKey:  cfg.ProviderKey,
		Mock:    cfg.ProviderMock,
	}, logger, clock)
	if err != nil {
		return fmt.Errorf("payment processor init: %w", err)
	}

	return httpserver.Run(ctx, cfg.HTTP, service, processor, logger)
}

func buildStores(ctx context.Context, storageURL string) (revenue.LedgerStore, revenue.MethodStore, func() error, error) {
	driver, location, err := resolveDriver(storageURL)
	if err != nil {
		return nil, nil, nil, err
	}

	switch driver {
	case driverFile:
		if err := os.MkdirAll(location, 0o755); err != nil {
			return nil, nil, nil, err
		}
		ledgerStore := filestore.NewLedgerStore(filepath.Join(location, ledgerFileName))
		methodStore := filestore.NewMethodStore(filepath.Join(location, methodsFileName))
		return ledgerStore, methodStore, func() error { return nil }, nil

	case driverSQLite, driverPostgres:
		gormDB, cleanup, err := openDatabase(ctx, driver, location)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := prepareSchema(gormDB, driver); err != nil {
			_ = cleanup()
			return nil, nil, nil, err
		}
		return gormstore.NewLedgerStore(gormDB), gormstore.NewMethodStore(gormDB), cleanup, nil

	case driverPgx:
		pool, err := pgxpool.New(ctx, location)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgxstore.NewLedgerStore(pool), pgxstore.NewMethodStore(pool), cleanup, nil
	}
	return nil, nil, nil, fmt.Errorf("unsupported storage scheme %q", driver)
}

// resolveDriver maps a storage URL onto a driver name and its location:
// a directory for file storage, a database path for sqlite, a DSN for
// postgres. The pgx:// scheme selects the raw pgx pool over GORM.
func resolveDriver(storageURL string) (string, string, error) {
	switch {
	case strings.HasPrefix(storageURL, "postgres://"), strings.HasPrefix(storageURL, "postgresql://"):
		return driverPostgres, storageURL, nil
	case strings.HasPrefix(storageURL, "pgx://"):
		return driverPgx, "postgres://" + strings.TrimPrefix(storageURL, "pgx://"), nil
	case strings.HasPrefix(storageURL, "sqlite://"):
		u, err := url.Parse(storageURL)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "revenue.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	case strings.HasPrefix(storageURL, "file://"):
		return driverFile, strings.TrimPrefix(storageURL, "file://"), nil
	}
	// Treat everything else as a plain directory for file storage.
	return driverFile, storageURL, nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func openDatabase(ctx context.Context, driver string, location string) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(location), &gorm.Config{})
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(location), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	err := db.AutoMigrate(
		&gormstore.RevenueLedger{},
		&gormstore.LedgerTransaction{},
		&gormstore.LedgerReservation{},
		&gormstore.PaymentMethod{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
