package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/panjf2000/ants/v2"

	"adreel-backend/internal/bootstrap"
	"adreel-backend/internal/runs"
	"adreel-backend/internal/shared/config"
	"adreel-backend/internal/shared/metrics"
	"adreel-backend/internal/shared/telemetry"
	"adreel-backend/internal/shared/util"
	"adreel-backend/internal/workerproc"
)

const (
	defaultVisibilitySeconds  = 1200
	defaultShutdownTimeoutSec = 30
)

func main() {
	cfg := config.Load()

	queueURL := strings.TrimSpace(cfg.QueueURL)
	if queueURL == "" {
		fatal("worker.config_invalid", errors.New("SQS_QUEUE_URL is required"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	visibilitySeconds := envInt("SQS_VISIBILITY_TIMEOUT_SECONDS", defaultVisibilitySeconds)
	concurrency := max(1, cfg.WorkerConcurrency)
	shutdownTimeout := time.Duration(envInt("WORKER_SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownTimeoutSec)) * time.Second

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		fatal("worker.aws_config_failed", err)
	}
	var sqsClient sqsAPI = sqs.NewFromConfig(awsCfg)

	app, err := bootstrap.Build(cfg)
	if err != nil {
		fatal("worker.bootstrap_failed", err)
	}

	pool, err := ants.NewPool(concurrency, ants.WithPanicHandler(func(p any) {
		telemetry.Error("worker.panic", map[string]any{"error": fmt.Sprint(p)})
	}))
	if err != nil {
		fatal("worker.pool_failed", err)
	}
	defer pool.Release()
	var wg sync.WaitGroup

	telemetry.Info("worker.started", map[string]any{
		"queue_url":          queueURL,
		"concurrency":        concurrency,
		"visibility_seconds": visibilitySeconds,
	})

	// Runs keep going after a shutdown signal; only polling stops.
	workCtx := context.WithoutCancel(ctx)

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		default:
		}

		resp, err := sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: int32(min(10, concurrency)),
			WaitTimeSeconds:     20,
			VisibilityTimeout:   int32(visibilitySeconds),
			AttributeNames:      []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName("ApproximateReceiveCount")},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break pollLoop
			}
			telemetry.Error("worker.receive_failed", map[string]any{"error": err.Error()})
			continue
		}

		for _, msg := range resp.Messages {
			metrics.IncRunJobsReceived()
			wg.Add(1)
			m := msg
			// Submit blocks while every worker is busy.
			if err := pool.Submit(func() {
				defer wg.Done()
				handleMessage(workCtx, sqsClient, queueURL, app.Productions, m)
			}); err != nil {
				wg.Done()
				telemetry.Error("worker.submit_failed", baseFields(m, "", ""))
			}
		}
	}

	telemetry.Info("worker.shutdown_requested", map[string]any{"timeout": shutdownTimeout.String()})
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(shutdownTimeout):
		telemetry.Warn("worker.shutdown_timeout", map[string]any{"running": pool.Running()})
	}
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func handleMessage(ctx context.Context, client sqsAPI, queueURL string, processor workerproc.Processor, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	decoded, meta, err := workerproc.ParseMessage(body)
	if err != nil {
		var (
			event     = "worker.run.decode_failed"
			requestID string
		)
		fields := baseFields(msg, "", "")
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		var (
			empty   workerproc.ErrEmptyBody
			missing workerproc.ErrMissingRunID
		)
		switch {
		case errors.As(err, &empty):
			event = "worker.run.empty_body"
		case errors.As(err, &missing):
			event = "worker.run.missing_id"
			requestID = missing.RequestID
			fields["request_id"] = requestID
		default:
			fields["error"] = err.Error()
		}
		telemetry.Error(event, fields)
		if deleteMessage(ctx, client, queueURL, msg, "", requestID) {
			metrics.IncRunJobsDeletedUnrecoverable()
		}
		return
	}

	telemetry.Info("worker.run.received", baseFields(msg, decoded.RunID, decoded.RequestID))

	ctxWithParsed := workerproc.WithParsedMessage(ctx, decoded)
	if err := workerproc.HandleMessage(ctxWithParsed, processor, body); err != nil {
		fields := baseFields(msg, decoded.RunID, decoded.RequestID)
		fields["error"] = util.SanitizeError(err)
		switch {
		case errors.Is(err, runs.ErrNotFound):
			// The run was deleted or never committed; redelivery cannot help.
			telemetry.Error("worker.run.not_found", fields)
			if deleteMessage(ctx, client, queueURL, msg, decoded.RunID, decoded.RequestID) {
				metrics.IncRunJobsDeletedUnrecoverable()
			}
		case errors.Is(err, runs.ErrLocked):
			// Another worker holds the lease; leave the message for redelivery.
			telemetry.Info("worker.run.locked", fields)
		default:
			telemetry.Error("worker.run.failed", fields)
			metrics.IncRunJobsFailed()
		}
		return
	}

	if deleteMessage(ctx, client, queueURL, msg, decoded.RunID, decoded.RequestID) {
		telemetry.Info("worker.run.completed", baseFields(msg, decoded.RunID, decoded.RequestID))
		metrics.IncRunJobsCompleted()
	}
}

func deleteMessage(ctx context.Context, client sqsAPI, queueURL string, msg sqstypes.Message, runID, requestID string) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields := baseFields(msg, runID, requestID)
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.run.delete_failed", fields)
		return false
	}
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields := baseFields(msg, runID, requestID)
		fields["error"] = err.Error()
		telemetry.Error("worker.run.delete_failed", fields)
		return false
	}
	return true
}

func baseFields(msg sqstypes.Message, runID, requestID string) map[string]any {
	fields := map[string]any{
		"run_id":         runID,
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
	if strings.TrimSpace(requestID) != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func receiveCount(msg sqstypes.Message) int {
	if msg.Attributes == nil {
		return 0
	}
	raw := msg.Attributes["ApproximateReceiveCount"]
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}

func fatal(event string, err error) {
	telemetry.Error(event, map[string]any{"error": err.Error()})
	os.Exit(1)
}
