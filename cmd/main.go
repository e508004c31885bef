package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"career-mentor/handler"
	"career-mentor/internal/config"
	"career-mentor/internal/integrations/fallback"
	"career-mentor/internal/integrations/lyzr"
	"career-mentor/internal/integrations/paramstore"
	"career-mentor/internal/repository"
	"career-mentor/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	if err := cfg.RequireStateTable(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	agent, err := newAgent(ctx, cfg, func() (lyzr.ParamGetter, error) {
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		return params, nil
	})
	if err != nil {
		slog.Error("failed to create agent client", "backend", cfg.AgentBackend, "err", err)
		os.Exit(1)
	}

	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable,
		repository.WithTTL(cfg.SessionTTL),
		repository.WithBusyLease(cfg.BusyLease),
	)
	if err != nil {
		slog.Error("failed to create session store", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(agent, store, cfg.MaxMessageLength, logger)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, handler.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

// newAgent builds the reply backend. Lyzr settings come from Parameter Store
// when PARAM_PREFIX is set, otherwise from LYZR_* variables.
func newAgent(ctx context.Context, cfg *config.Config, params func() (lyzr.ParamGetter, error)) (usecase.AgentClient, error) {
	if cfg.AgentBackend == config.BackendStatic {
		return fallback.New(), nil
	}

	lyzrCfg := lyzr.Config{
		URL:       cfg.AgentURL,
		APIKey:    cfg.Lyzr.APIKey,
		AgentID:   cfg.Lyzr.AgentID,
		SessionID: cfg.Lyzr.SessionID,
		UserID:    cfg.Lyzr.UserID,
	}
	if cfg.ParamPrefix != "" {
		getter, err := params()
		if err != nil {
			return nil, err
		}
		if lyzrCfg, err = lyzr.LoadConfig(ctx, getter, cfg.ParamPrefix, cfg.AgentURL); err != nil {
			return nil, err
		}
	}

	client, err := lyzr.NewClient(lyzrCfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}
