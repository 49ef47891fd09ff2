package main

// Build the Lambda handler binary:
//   GOOS=linux GOARCH=amd64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-worker

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"powerquality-backend/internal/analyses"
	"powerquality-backend/internal/bootstrap"
	"powerquality-backend/internal/shared/config"
	"powerquality-backend/internal/shared/metrics"
	"powerquality-backend/internal/shared/telemetry"
	"powerquality-backend/internal/workerproc"
)

var (
	initOnce  sync.Once
	initErr   error
	processor analyses.ChangeProcessor
)

func initApp() {
	cfg := config.Load()
	built, err := bootstrap.Build(cfg)
	if err != nil {
		initErr = err
		return
	}
	processor = built.Orchestrator
}

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	initOnce.Do(initApp)
	if initErr != nil {
		telemetry.Error("lambda.bootstrap_failed", map[string]any{"error": initErr.Error()})
		failures := make([]events.SQSBatchItemFailure, 0, len(event.Records))
		for _, record := range event.Records {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
		return events.SQSEventResponse{BatchItemFailures: failures}, initErr
	}
	return handleBatch(ctx, processor, event), nil
}

// handleBatch reports only messages worth redelivering as failures;
// unparseable payloads are dropped.
func handleBatch(ctx context.Context, proc analyses.ChangeProcessor, event events.SQSEvent) events.SQSEventResponse {
	h := &workerproc.Handler{Processor: proc, InFlight: workerproc.NewInFlight()}
	failures := make([]events.SQSBatchItemFailure, 0)
	for _, record := range event.Records {
		metrics.IncAnalysisJobsReceived()
		fields := map[string]any{"sqs_message_id": record.MessageId}
		err := h.HandleMessage(ctx, record.Body)

		var procErr workerproc.ErrProcess
		var dup workerproc.ErrDuplicate
		switch {
		case err == nil:
			metrics.IncAnalysisJobsCompleted()
		case errors.As(err, &procErr), errors.As(err, &dup):
			fields["error"] = err.Error()
			telemetry.Error("lambda.analysis.failed", fields)
			metrics.IncAnalysisJobsFailed()
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		default:
			meta := workerproc.ComputeMeta(record.Body)
			fields["error"] = err.Error()
			fields["body_len"] = meta.BodyLen
			fields["body_sha256"] = meta.BodySHA
			telemetry.Error("lambda.analysis.dropped", fields)
			metrics.IncAnalysisJobsDeletedUnrecoverable()
		}
	}
	return events.SQSEventResponse{BatchItemFailures: failures}
}

func main() {
	lambda.Start(handler)
}
