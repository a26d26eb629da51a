package main

// Build the Lambda handler binary:
//   GOOS=linux GOARCH=amd64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-worker

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"adreel-backend/internal/bootstrap"
	"adreel-backend/internal/runs"
	"adreel-backend/internal/shared/config"
	"adreel-backend/internal/shared/metrics"
	"adreel-backend/internal/shared/telemetry"
	"adreel-backend/internal/shared/util"
	"adreel-backend/internal/workerproc"
)

var (
	initOnce  sync.Once
	initErr   error
	processor workerproc.Processor
)

func initApp() {
	cfg := config.Load()
	built, err := bootstrap.Build(cfg)
	if err != nil {
		initErr = err
		return
	}
	processor = built.Productions
}

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	initOnce.Do(initApp)
	if initErr != nil {
		telemetry.Error("lambda_worker.bootstrap_failed", map[string]any{"error": initErr.Error()})
		failures := make([]events.SQSBatchItemFailure, 0, len(event.Records))
		for _, record := range event.Records {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
		return events.SQSEventResponse{BatchItemFailures: failures}, initErr
	}
	return handleBatch(ctx, processor, event), nil
}

// handleBatch reports failed records for redelivery. Malformed records and unknown
// runs are dropped since redelivery cannot fix them.
func handleBatch(ctx context.Context, proc workerproc.Processor, event events.SQSEvent) events.SQSEventResponse {
	failures := make([]events.SQSBatchItemFailure, 0)
	for _, record := range event.Records {
		metrics.IncRunJobsReceived()
		err := workerproc.HandleMessage(ctx, proc, record.Body)
		fields := map[string]any{"sqs_message_id": record.MessageId}
		switch {
		case err == nil:
			metrics.IncRunJobsCompleted()
		case workerproc.Unrecoverable(err), errors.Is(err, runs.ErrNotFound):
			fields["error"] = util.SanitizeError(err)
			telemetry.Error("lambda_worker.record_dropped", fields)
			metrics.IncRunJobsDeletedUnrecoverable()
		default:
			fields["error"] = util.SanitizeError(err)
			telemetry.Error("lambda_worker.record_failed", fields)
			metrics.IncRunJobsFailed()
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return events.SQSEventResponse{BatchItemFailures: failures}
}

func main() {
	lambda.Start(handler)
}
