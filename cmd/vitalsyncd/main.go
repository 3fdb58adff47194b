package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"vitalsync"
	"vitalsync/database"
)

var (
	httpAddr      string
	dbURL         string
	tablePrefix   string
	lockTTL       time.Duration
	pollInterval  time.Duration
	scheduleEvery time.Duration
	vaultBucket   string
	vaultRegion   string
	registryURL   string
	primaryURL    string
)

func main() {
	_ = godotenv.Load()

	var rootCmd = &cobra.Command{
		Use:   "vitalsyncd",
		Short: "Health record replication daemon",
		Long: `Vitalsyncd replicates user health records to two external custody
partners: an encrypted S3 vault and a blockchain data registry. Every
replica processes upload jobs; one elected replica additionally runs
scheduled reminders and chat command registration.`,
		RunE: runDaemon,
	}

	rootCmd.Flags().StringVar(&httpAddr, "http-addr", getenv("HTTP_ADDR", ":8090"), "Admin API listen address")
	rootCmd.Flags().StringVar(&dbURL, "db", getenv("DATABASE_URL", ""), "PostgreSQL connection URL")
	rootCmd.Flags().StringVar(&tablePrefix, "table-prefix", getenv("TABLE_PREFIX", "vitalsync"), "Table name prefix")
	rootCmd.Flags().DurationVar(&lockTTL, "lock-ttl", 15*time.Second, "Leadership lock time-to-live")
	rootCmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "Queue poll interval")
	rootCmd.Flags().DurationVar(&scheduleEvery, "schedule-interval", time.Hour, "Scheduler tick interval")
	rootCmd.Flags().StringVar(&vaultBucket, "vault-bucket", getenv("VAULT_BUCKET", ""), "S3 bucket for encrypted records")
	rootCmd.Flags().StringVar(&vaultRegion, "vault-region", getenv("AWS_REGION", "eu-central-1"), "S3 bucket region")
	rootCmd.Flags().StringVar(&registryURL, "registry-url", getenv("REGISTRY_URL", ""), "Registry gateway base URL")
	rootCmd.Flags().StringVar(&primaryURL, "primary-url", getenv("PRIMARY_API_URL", ""), "Primary backend internal API base URL")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	var (
		ctx    = context.Background()
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	)

	if dbURL == "" {
		return fmt.Errorf("--db (or DATABASE_URL) is required")
	}
	if err := vitalsync.ValidatePrefix(tablePrefix); err != nil {
		return fmt.Errorf("invalid table prefix: %w", err)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := database.Migrate(db, tablePrefix); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	signer, err := loadSigner()
	if err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(vaultRegion))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	var (
		queries  = database.NewQueries(db, tablePrefix)
		vault    = vitalsync.NewObjectVault(s3.NewFromConfig(awsCfg), vaultBucket, vaultRegion)
		registry = vitalsync.NewRegistryClient(registryURL, vitalsync.WithLogger(logger))
		primary  = vitalsync.NewPrimaryClient(primaryURL)
		ledger   = vitalsync.NewLedger(queries)
		queue    = vitalsync.NewQueue(queries,
			vitalsync.WithLogger(logger),
			vitalsync.WithPollInterval(pollInterval))
		elector = vitalsync.NewElector(queries, "vitalsync_leader",
			vitalsync.WithLogger(logger),
			vitalsync.WithLockTTL(lockTTL))
	)

	var orchestrator = vitalsync.NewOrchestrator(
		ledger, queue, vault, registry, signer, primary, primary,
		vitalsync.WithLogger(logger))
	queue.RegisterHandler(vitalsync.DataTypeHealth, orchestrator)
	queue.RegisterHandler(vitalsync.DataTypeCheckin, orchestrator)

	// Only the leader owns chat command registration.
	elector.Subscribe(func(ctx context.Context, leader bool) {
		if !leader {
			return
		}
		if err := primary.RegisterCommands(ctx); err != nil {
			logger.Error("failed to register chat commands", "error", err)
		}
	})

	var scheduler = vitalsync.NewScheduler(elector, scheduleEvery, vitalsync.WithLogger(logger))
	scheduler.Register(vitalsync.NewCheckinReminderTask(queries, primary, primary, logger))

	if err := elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start elector: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	var srv = &http.Server{
		Addr: httpAddr,
		Handler: vitalsync.NewAdminRouter(vitalsync.AdminDeps{
			Ledger:  ledger,
			Queue:   queue,
			Elector: elector,
			Records: primary,
			Logger:  logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("admin API listening", "addr", httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin API failed", "error", err)
		}
	}()

	logger.Info("vitalsyncd started",
		"instance_id", elector.InstanceID(),
		"table_prefix", tablePrefix,
		"lock_ttl", lockTTL)

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop scheduler", "error", err)
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop queue", "error", err)
	}
	if err := elector.Stop(shutdownCtx); err != nil {
		logger.Error("failed to release leadership", "error", err)
	}
	_ = srv.Shutdown(shutdownCtx)

	return nil
}

func loadSigner() (vitalsync.Signer, error) {
	var encoded = strings.TrimSpace(os.Getenv("SIGNING_KEY"))
	if encoded == "" {
		return nil, fmt.Errorf("SIGNING_KEY environment variable is required")
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("SIGNING_KEY is not valid base64: %w", err)
	}

	return vitalsync.NewEd25519Signer(ed25519.PrivateKey(key))
}

func getenv(key, def string) string {
	var v = strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
