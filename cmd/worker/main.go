package main

import (
	"context"
	"errors"
	"log"
	"net/http"
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
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"powerquality-backend/internal/analyses"
	"powerquality-backend/internal/bootstrap"
	"powerquality-backend/internal/queue"
	"powerquality-backend/internal/shared/config"
	"powerquality-backend/internal/shared/metrics"
	"powerquality-backend/internal/shared/server"
	"powerquality-backend/internal/shared/telemetry"
	"powerquality-backend/internal/workerproc"
)

const (
	sqsRegion                = "us-east-1"
	defaultVisibilitySeconds = 1200
	receiveErrorBackoff      = time.Second
)

// retryPolicy decides how failed Redis deliveries are requeued.
type retryPolicy struct {
	MaxAttempts int
	// DuplicateDelay holds back a delivery whose analysis is already running here.
	DuplicateDelay time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

func defaultRetryPolicy(maxAttempts int) retryPolicy {
	return retryPolicy{
		MaxAttempts:    max(1, maxAttempts),
		DuplicateDelay: 30 * time.Second,
		BaseDelay:      5 * time.Second,
		MaxDelay:       5 * time.Minute,
	}
}

// backoff doubles the base delay per earlier attempt, capped at MaxDelay.
func (p retryPolicy) backoff(attempts int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempts && d < p.MaxDelay; i++ {
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// inFlight is shared by all consumers of this process.
var inFlight = workerproc.NewInFlight()

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.BuildContext(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	defer app.Close()

	g, gctx := errgroup.WithContext(ctx)

	if port := strings.TrimSpace(cfg.MetricsPort); port != "" && port != "off" {
		g.Go(func() error { return serveMetrics(gctx, server.Addr(port), cfg.ShutdownTimeout) })
	}

	concurrency := max(1, cfg.WorkerParallel)
	switch cfg.QueueBackend {
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(regionOrDefault(cfg.AWSRegion)))
		if err != nil {
			log.Fatalf("load aws config: %v", err)
		}
		client := sqs.NewFromConfig(awsCfg)
		visibility := envInt("SQS_VISIBILITY_TIMEOUT_SECONDS", defaultVisibilitySeconds)
		g.Go(func() error {
			pollSQS(gctx, client, cfg.SQSQueueURL, app.Orchestrator, concurrency, visibility, cfg.ShutdownTimeout)
			return nil
		})
	case "redis":
		if recovered, err := app.RedisQueue.RecoverInFlight(ctx); err != nil {
			telemetry.Error("worker.redis.recover_failed", map[string]any{"error": err.Error()})
		} else if recovered > 0 {
			telemetry.Warn("worker.redis.recovered", map[string]any{"count": recovered})
		}
		g.Go(func() error {
			pollRedis(gctx, app.RedisQueue, app.Orchestrator, defaultRetryPolicy(cfg.MaxAttempts), concurrency, cfg.ShutdownTimeout)
			return nil
		})
	default:
		log.Fatalf("QUEUE_BACKEND must be sqs or redis for the worker")
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func serveMetrics(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.GET("/metrics", metrics.Handler())
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func pollSQS(ctx context.Context, client sqsAPI, queueURL string, processor analyses.ChangeProcessor, concurrency, visibilitySeconds int, shutdownTimeout time.Duration) {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	telemetry.Info("worker.started", map[string]any{
		"backend":     "sqs",
		"queue":       queueURL,
		"concurrency": concurrency,
		"visibility":  visibilitySeconds,
	})

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		default:
		}

		resp, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   int32(visibilitySeconds),
			AttributeNames:      []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName("ApproximateReceiveCount")},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break pollLoop
			}
			telemetry.Error("worker.receive_failed", map[string]any{"backend": "sqs", "error": err.Error()})
			sleep(ctx, receiveErrorBackoff)
			continue
		}

		for _, msg := range resp.Messages {
			select {
			case <-ctx.Done():
				break pollLoop
			case sem <- struct{}{}:
			}
			metrics.IncAnalysisJobsReceived()
			wg.Add(1)
			go func(m sqstypes.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				// In-flight runs finish even after shutdown is requested.
				handleMessage(context.WithoutCancel(ctx), client, queueURL, processor, m)
			}(msg)
		}
	}

	waitInFlight(&wg, shutdownTimeout)
}

func handleMessage(ctx context.Context, client sqsAPI, queueURL string, processor analyses.ChangeProcessor, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	if strings.TrimSpace(body) == "" {
		fields := baseFields(msg, "", "")
		fields["body_len"] = 0
		telemetry.Error("worker.analysis.empty_body", fields)
		if deleteMessage(ctx, client, queueURL, msg, "", "") {
			metrics.IncAnalysisJobsDeletedUnrecoverable()
		}
		return
	}

	decoded, meta, err := workerproc.ParseMessage(body)
	if err != nil {
		requestID := ""
		event := "worker.analysis.decode_failed"
		var missing workerproc.ErrMissingAnalysisID
		if errors.As(err, &missing) {
			requestID = missing.RequestID
			event = "worker.analysis.missing_id"
		}
		fields := baseFields(msg, "", requestID)
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		fields["error"] = err.Error()
		telemetry.Error(event, fields)
		if deleteMessage(ctx, client, queueURL, msg, "", requestID) {
			metrics.IncAnalysisJobsDeletedUnrecoverable()
		}
		return
	}

	fields := baseFields(msg, decoded.AnalysisID, decoded.RequestID)
	fields["before"] = decoded.Before.Status
	fields["after"] = decoded.After.Status
	telemetry.Info("worker.analysis.received", fields)

	h := &workerproc.Handler{Processor: processor, InFlight: inFlight}
	if err := h.HandleMessage(workerproc.WithParsedMessage(ctx, decoded), body); err != nil {
		fields := baseFields(msg, decoded.AnalysisID, decoded.RequestID)
		fields["error"] = err.Error()
		var dup workerproc.ErrDuplicate
		if errors.As(err, &dup) {
			// left for redelivery after the visibility timeout
			telemetry.Warn("worker.analysis.duplicate", fields)
			return
		}
		telemetry.Error("worker.analysis.failed", fields)
		metrics.IncAnalysisJobsFailed()
		return
	}

	if deleteMessage(ctx, client, queueURL, msg, decoded.AnalysisID, decoded.RequestID) {
		telemetry.Info("worker.analysis.completed", baseFields(msg, decoded.AnalysisID, decoded.RequestID))
		metrics.IncAnalysisJobsCompleted()
	}
}

func deleteMessage(ctx context.Context, client sqsAPI, queueURL string, msg sqstypes.Message, analysisID, requestID string) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields := baseFields(msg, analysisID, requestID)
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.analysis.delete_failed", fields)
		return false
	}
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields := baseFields(msg, analysisID, requestID)
		fields["error"] = err.Error()
		telemetry.Error("worker.analysis.delete_failed", fields)
		return false
	}
	return true
}

func baseFields(msg sqstypes.Message, analysisID, requestID string) map[string]any {
	fields := map[string]any{
		"analysis_id":    analysisID,
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

func pollRedis(ctx context.Context, consumer queue.Consumer, processor analyses.ChangeProcessor, policy retryPolicy, concurrency int, shutdownTimeout time.Duration) {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	telemetry.Info("worker.started", map[string]any{"backend": "redis", "concurrency": concurrency})

	for {
		select {
		case <-ctx.Done():
			waitInFlight(&wg, shutdownTimeout)
			return
		case sem <- struct{}{}:
		}

		d, err := consumer.Receive(ctx)
		if err != nil {
			<-sem
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			telemetry.Error("worker.receive_failed", map[string]any{"backend": "redis", "error": err.Error()})
			sleep(ctx, receiveErrorBackoff)
			continue
		}

		metrics.IncAnalysisJobsReceived()
		wg.Add(1)
		go func(d queue.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			handleDelivery(context.WithoutCancel(ctx), consumer, processor, policy, d)
		}(d)
	}
}

// handleDelivery acks handled and unparseable messages. Duplicates are held
// back without counting an attempt. Processing failures are retried with
// backoff until MaxAttempts, then dead-lettered.
func handleDelivery(ctx context.Context, consumer queue.Consumer, processor analyses.ChangeProcessor, policy retryPolicy, d queue.Delivery) {
	meta := workerproc.ComputeMeta(d.Body)
	fields := map[string]any{"backend": "redis", "body_sha256": meta.BodySHA, "attempts": d.Attempts}

	h := &workerproc.Handler{Processor: processor, InFlight: inFlight}
	err := h.HandleMessage(ctx, d.Body)

	var procErr workerproc.ErrProcess
	var dup workerproc.ErrDuplicate
	switch {
	case err == nil:
		if ackErr := consumer.Ack(ctx, d); ackErr != nil {
			fields["error"] = ackErr.Error()
			telemetry.Error("worker.analysis.ack_failed", fields)
			return
		}
		metrics.IncAnalysisJobsCompleted()
	case errors.As(err, &dup):
		fields["analysis_id"] = dup.AnalysisID
		fields["delay"] = policy.DuplicateDelay.String()
		telemetry.Info("worker.analysis.duplicate_deferred", fields)
		if rqErr := consumer.Requeue(ctx, d, queue.RequeueOptions{Delay: policy.DuplicateDelay}); rqErr != nil {
			fields["requeue_error"] = rqErr.Error()
			telemetry.Error("worker.analysis.requeue_failed", fields)
		}
	case errors.As(err, &procErr):
		fields["error"] = err.Error()
		metrics.IncAnalysisJobsFailed()
		if d.Attempts+1 >= policy.MaxAttempts {
			telemetry.Error("worker.analysis.dead_lettered", fields)
			if dlErr := consumer.DeadLetter(ctx, d); dlErr != nil {
				fields["dead_letter_error"] = dlErr.Error()
				telemetry.Error("worker.analysis.dead_letter_failed", fields)
				return
			}
			metrics.IncAnalysisJobsDeletedUnrecoverable()
			return
		}
		delay := policy.backoff(d.Attempts)
		fields["delay"] = delay.String()
		telemetry.Error("worker.analysis.failed", fields)
		if rqErr := consumer.Requeue(ctx, d, queue.RequeueOptions{Delay: delay, CountAttempt: true}); rqErr != nil {
			fields["requeue_error"] = rqErr.Error()
			telemetry.Error("worker.analysis.requeue_failed", fields)
		}
	default:
		fields["error"] = err.Error()
		fields["body_len"] = meta.BodyLen
		telemetry.Error("worker.analysis.decode_failed", fields)
		if ackErr := consumer.Ack(ctx, d); ackErr == nil {
			metrics.IncAnalysisJobsDeletedUnrecoverable()
		}
	}
}

func waitInFlight(wg *sync.WaitGroup, shutdownTimeout time.Duration) {
	telemetry.Info("worker.shutdown", map[string]any{"timeout": shutdownTimeout.String()})
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(shutdownTimeout):
		telemetry.Warn("worker.shutdown_timeout", map[string]any{"timeout": shutdownTimeout.String()})
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func regionOrDefault(region string) string {
	if strings.TrimSpace(region) == "" {
		return sqsRegion
	}
	return region
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
