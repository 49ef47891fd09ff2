package analyses

import (
	"context"
	"time"

	"powerquality-backend/internal/queue"
	"powerquality-backend/internal/shared/telemetry"
)

// ChangeProcessor reacts to a record change. The pipeline orchestrator implements it.
type ChangeProcessor interface {
	ProcessChange(ctx context.Context, change Change) error
}

// Notifier publishes record changes to whatever drives the pipeline.
type Notifier interface {
	Notify(ctx context.Context, change Change) error
}

// QueueNotifier publishes changes onto a queue for a worker to consume.
type QueueNotifier struct {
	Client queue.Client
}

// Notify encodes the change as a queue message.
func (n QueueNotifier) Notify(ctx context.Context, change Change) error {
	return n.Client.Send(ctx, ChangeToMessage(change, time.Now().UTC()))
}

// InProcessNotifier runs the processor on a background goroutine.
type InProcessNotifier struct {
	Processor ChangeProcessor
}

// Notify starts processing detached from the caller's cancellation.
func (n InProcessNotifier) Notify(ctx context.Context, change Change) error {
	bg := BackgroundWithRequestID(ctx)
	go func() {
		if err := n.Processor.ProcessChange(bg, change); err != nil {
			telemetry.Error("analysis.process.failed", map[string]any{
				"analysis_id": change.AnalysisID,
				"request_id":  change.RequestID,
				"error":       sanitizeError(err),
			})
		}
	}()
	return nil
}

// ChangeToMessage converts a change to its queue representation.
func ChangeToMessage(change Change, enqueuedAt time.Time) queue.Message {
	return queue.Message{
		AnalysisID: change.AnalysisID,
		RequestID:  change.RequestID,
		Before:     queue.Snapshot{Status: string(change.Before.Status), Progress: change.Before.Progress},
		After:      queue.Snapshot{Status: string(change.After.Status), Progress: change.After.Progress},
		EnqueuedAt: enqueuedAt.Format(time.RFC3339),
		Version:    queue.MessageVersion,
	}
}

// MessageToChange converts a queue message back to a change.
func MessageToChange(msg queue.Message) Change {
	return Change{
		AnalysisID: msg.AnalysisID,
		RequestID:  msg.RequestID,
		Before:     Snapshot{Status: Status(msg.Before.Status), Progress: msg.Before.Progress},
		After:      Snapshot{Status: Status(msg.After.Status), Progress: msg.After.Progress},
	}
}

var (
	_ Notifier = QueueNotifier{}
	_ Notifier = InProcessNotifier{}
)
