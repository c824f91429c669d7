package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"relaypoint/internal/config"
	"relaypoint/internal/notifications/engine"
	"relaypoint/internal/types"
)

// SQSReceiver abstracts the SQS operations the event consumer needs. The
// SendMessage half is used to re-publish messages on transient failure.
type SQSReceiver interface {
	SQSSender
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Intake is the engine surface the consumer feeds. Satisfied by
// *engine.Engine.
type Intake interface {
	Enqueue(req *engine.Request) error
}

const (
	defaultMaxRetries     = 5
	defaultRetryBaseDelay = 30 * time.Second

	receiveBatchSize  = 10
	receiveWaitTime   = 20
	visibilityTimeout = 60
)

// EventConsumer long-polls the event queue, maps each EventMessage onto a
// pipeline request, and feeds it to the engine's intake. Transient failures
// re-publish the message with an incremented retry count and a delay;
// messages that exhaust their retries or fail validation are dropped after
// logging so they cannot poison the queue.
type EventConsumer struct {
	client     SQSReceiver
	queueURL   string
	intake     Intake
	logger     types.Logger
	maxRetries int
	baseDelay  time.Duration
}

// NewEventConsumer creates an EventConsumer reading the queue URL from the
// AWS config.
func NewEventConsumer(client SQSReceiver, awsCfg config.AWSConfig, intake Intake, logger types.Logger) *EventConsumer {
	return &EventConsumer{
		client:     client,
		queueURL:   awsCfg.EventQueueURL,
		intake:     intake,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultRetryBaseDelay,
	}
}

// Run long-polls until ctx is cancelled. Receive errors are logged and
// retried after a short pause rather than terminating the loop.
func (c *EventConsumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: receiveBatchSize,
			WaitTimeSeconds:     receiveWaitTime,
			VisibilityTimeout:   visibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("event queue receive failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, raw := range out.Messages {
			c.handleMessage(ctx, aws.ToString(raw.Body), aws.ToString(raw.ReceiptHandle))
		}
	}
}

// handleMessage processes one raw SQS message through to a terminal state:
// deleted on success or permanent failure, re-published then deleted on
// transient failure.
func (c *EventConsumer) handleMessage(ctx context.Context, body, receiptHandle string) {
	var msg types.EventMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		c.logger.Error("dropping malformed event message", "error", err)
		c.delete(ctx, receiptHandle)
		return
	}

	req := requestFromEvent(&msg)

	if err := c.intake.Enqueue(req); err != nil {
		if isPermanent(err) {
			c.logger.Error("dropping invalid event message",
				"event_id", msg.EventID,
				"event_type", string(msg.EventType),
				"error", err,
			)
			c.delete(ctx, receiptHandle)
			return
		}
		c.retry(ctx, msg, receiptHandle, err)
		return
	}

	c.delete(ctx, receiptHandle)
}

// retry re-publishes the message with an incremented retry count and a
// growing delay, unless the retry budget is exhausted.
func (c *EventConsumer) retry(ctx context.Context, msg types.EventMessage, receiptHandle string, cause error) {
	if msg.RetryCount >= c.maxRetries {
		c.logger.Error("dropping event message after retries exhausted",
			"event_id", msg.EventID,
			"retry_count", msg.RetryCount,
			"error", cause,
		)
		c.delete(ctx, receiptHandle)
		return
	}

	msg.RetryCount++
	body, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal event message for retry",
			"event_id", msg.EventID, "error", err)
		return
	}

	_, err = c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(c.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(retryDelay(c.baseDelay, msg.RetryCount).Seconds()),
	})
	if err != nil {
		// Leave the original in the queue; visibility expiry re-delivers
		// it without the retry count bump.
		c.logger.Error("failed to re-publish event message",
			"event_id", msg.EventID, "error", err)
		return
	}

	c.logger.Warn("event message re-published for retry",
		"event_id", msg.EventID,
		"retry_count", msg.RetryCount,
		"error", cause,
	)
	c.delete(ctx, receiptHandle)
}

func (c *EventConsumer) delete(ctx context.Context, receiptHandle string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		c.logger.Error("event queue delete failed", "error", err)
	}
}

// requestFromEvent maps the wire message onto a pipeline request, rebuilding
// the actor context from the forwarded claims.
func requestFromEvent(msg *types.EventMessage) *engine.Request {
	actorType := types.ActorTypeService
	if msg.ActorRole == types.RoleSystem {
		actorType = types.ActorTypeSystem
	}

	traceID := msg.TraceID
	if traceID == "" {
		traceID = fmt.Sprintf("evt_%s", msg.EventID)
	}

	return &engine.Request{
		EventType:        msg.EventType,
		TenantID:         msg.TenantID,
		UserID:           msg.UserID,
		Title:            msg.Title,
		Message:          msg.Message,
		Category:         msg.Category,
		ExplicitPriority: msg.ExplicitPriority,
		Metadata:         msg.Metadata,
		Context: &types.RequestContext{
			Actor: types.Actor{
				ID:         msg.ActorID,
				Type:       actorType,
				TenantID:   msg.ActorTenantID,
				Role:       msg.ActorRole,
				SourceAddr: msg.ActorSourceAddr,
			},
			TargetTenantID: msg.TenantID,
			Recipients:     msg.Recipients,
			Hint:           msg.Hint,
			HintRole:       msg.HintRole,
			TraceID:        traceID,
		},
	}
}

// isPermanent reports whether an intake error can never succeed on retry.
// Validation failures are permanent; a full intake queue or internal error
// is transient.
func isPermanent(err error) bool {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return strings.HasPrefix(string(appErr.Code), "validation_")
	}
	return false
}

// retryDelay grows linearly with the retry count, capped at the SQS
// per-message maximum.
func retryDelay(base time.Duration, retryCount int) time.Duration {
	d := base * time.Duration(retryCount)
	if d > maxSQSDelay {
		d = maxSQSDelay
	}
	return d
}
