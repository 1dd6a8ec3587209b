package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"sms-broker/handler"
	"sms-broker/internal/integrations/carrier"
	"sms-broker/internal/integrations/openai"
	"sms-broker/internal/integrations/paramstore"
	"sms-broker/internal/repository"
	"sms-broker/internal/retention"
	"sms-broker/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// .env is a local-dev convenience; absent in real deployments
	_ = godotenv.Load()

	// ---- Configuration (read only here) ----
	port := envInt("PORT", 3000)
	oracleModel := envOr("OPENAI_MODEL", "gpt-4-0613")
	oracleKey := os.Getenv("OPENAI_API_KEY")
	paramPrefix := os.Getenv("PARAM_PREFIX")

	messageBaseURL := mustEnv("MESSAGE_BASE_URL")
	messageAPIKey := mustEnv("MESSAGE_API_KEY")
	messageAPISecret := mustEnv("MESSAGE_API_SECRET")
	subAccountID := os.Getenv("MESSAGE_SUB_ACCOUNT_ID")

	storeBackend := envOr("STORE_BACKEND", "sqlite")
	retentionDays := envInt("RETENTION_MAX_AGE_DAYS", 90)
	retentionSchedule := envOr("RETENTION_SCHEDULE", "@daily")

	// ---- Store ----
	var store repository.Store
	switch storeBackend {
	case "sqlite":
		s, err := repository.OpenSQLite(envOr("SQLITE_PATH", "sms-broker.db"))
		if err != nil {
			logger.Error("failed to open sqlite store", "err", err)
			os.Exit(1)
		}
		store = s
	case "dynamodb":
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		s, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(cfg), mustEnv("STATE_TABLE"))
		if err != nil {
			logger.Error("failed to create dynamodb store", "err", err)
			os.Exit(1)
		}
		store = s
	default:
		logger.Error("unknown STORE_BACKEND", "store_backend", storeBackend)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// ---- Clients ----
	var oracleOpts []openai.Option
	var ssmClient *paramstore.Client
	if oracleKey != "" {
		oracleOpts = append(oracleOpts, openai.WithAPIKey(oracleKey))
	} else {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		ssmClient, err = paramstore.New(awsssm.NewFromConfig(cfg))
		if err != nil {
			logger.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
	}
	oracleClient, err := openai.NewClient(getterOrNil(ssmClient), paramPrefix, oracleModel, oracleOpts...)
	if err != nil {
		logger.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	var carrierOpts []carrier.Option
	if subAccountID != "" {
		carrierOpts = append(carrierOpts, carrier.WithAccount(subAccountID))
	}
	carrierClient, err := carrier.NewClient(messageBaseURL, messageAPIKey, messageAPISecret, carrierOpts...)
	if err != nil {
		logger.Error("failed to create carrier client", "err", err)
		os.Exit(1)
	}

	// ---- Services ----
	aggregator, err := usecase.NewAggregator(store, carrierClient, logger)
	if err != nil {
		logger.Error("failed to create aggregator", "err", err)
		os.Exit(1)
	}
	dispatchService, err := usecase.NewDispatchService(oracleClient, carrierClient, aggregator, store, logger)
	if err != nil {
		logger.Error("failed to create dispatch service", "err", err)
		os.Exit(1)
	}
	autoReplyService, err := usecase.NewAutoReplyService(oracleClient, carrierClient, store, store, logger)
	if err != nil {
		logger.Error("failed to create auto-reply service", "err", err)
		os.Exit(1)
	}

	// ---- Retention (disabled when RETENTION_MAX_AGE_DAYS <= 0) ----
	if retentionDays > 0 {
		retentionJob, err := retention.NewJob(store, retentionSchedule, time.Duration(retentionDays)*24*time.Hour, logger)
		if err != nil {
			logger.Error("failed to create retention job", "err", err)
			os.Exit(1)
		}
		if err := retentionJob.Start(); err != nil {
			logger.Error("failed to start retention job", "err", err)
			os.Exit(1)
		}
		defer retentionJob.Stop()
	}

	// ---- HTTP server ----
	h, err := handler.NewHandler(dispatchService, aggregator, carrierClient, autoReplyService, store, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "store_backend", storeBackend)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "err", err)
		}
	}
}

// getterOrNil avoids handing NewClient a non-nil interface wrapping a nil
// *paramstore.Client.
func getterOrNil(c *paramstore.Client) openai.Getter {
	if c == nil {
		return nil
	}
	return c
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
