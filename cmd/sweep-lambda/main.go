package main

import (
	"context"
	"errors"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/paychat-billing/cmd/mainconfig"
	"github.com/wolfman30/paychat-billing/internal/app/bootstrap"
	appconfig "github.com/wolfman30/paychat-billing/internal/config"
	"github.com/wolfman30/paychat-billing/internal/expiration"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// sweepResponse is returned to the EventBridge schedule for the invocation log.
type sweepResponse struct {
	Scanned   int `json:"scanned"`
	Expired   int `json:"expired"`
	NotDue    int `json:"not_due"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Delivered int `json:"delivered"`
}

type sweeper interface {
	Sweep(ctx context.Context) expiration.Result
}

type drainer interface {
	Drain(ctx context.Context) int
}

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	if cfg.UseMemoryStore || cfg.DatabaseURL == "" {
		logger.Error("sweep lambda requires DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	billing, err := bootstrap.BuildBilling(ctx, cfg, awsCfg, prometheus.NewRegistry(), logger)
	if err != nil {
		logger.Error("failed to wire billing", "error", err)
		os.Exit(1)
	}

	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) (sweepResponse, error) {
		return handle(ctx, billing.Scheduler, billing.Deliverer, logger, evt)
	})
}

func handle(ctx context.Context, s sweeper, d drainer, logger *logging.Logger, evt events.CloudWatchEvent) (sweepResponse, error) {
	logger.Info("scheduled sweep", "event_id", evt.ID, "source", evt.Source)
	res := s.Sweep(ctx)
	out := sweepResponse{
		Scanned: res.Scanned,
		Expired: res.Expired,
		NotDue:  res.NotDue,
		Skipped: res.Skipped,
		Failed:  res.Failed,
	}
	// Deliver the termination events the sweep just committed.
	for {
		n := d.Drain(ctx)
		out.Delivered += n
		if n == 0 || ctx.Err() != nil {
			break
		}
	}
	if res.Failed > 0 {
		return out, errors.New("sweep: some sessions failed to expire")
	}
	return out, nil
}
