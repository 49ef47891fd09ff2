package queue

import (
	"context"
	"time"
)

// Client sends messages to a queue backend.
type Client interface {
	Send(ctx context.Context, msg Message) error
}

// Delivery is one received message awaiting acknowledgement.
type Delivery struct {
	Body string
	// Handle identifies the delivery to the backend for Ack/Requeue.
	Handle string
	// Attempts is the number of earlier failed deliveries of this message.
	Attempts int
}

// RequeueOptions controls how a delivery goes back on the queue.
type RequeueOptions struct {
	// Delay holds the message back before it can be received again.
	Delay time.Duration
	// CountAttempt records the delivery as a failed attempt.
	CountAttempt bool
}

// Consumer receives and acknowledges messages.
type Consumer interface {
	Receive(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Requeue(ctx context.Context, d Delivery, opts RequeueOptions) error
	DeadLetter(ctx context.Context, d Delivery) error
}
