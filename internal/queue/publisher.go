// Package queue provides the SQS-backed messaging collaborators: the
// reminder publisher the engine schedules follow-ups through, and the event
// consumer that feeds inbound business events into the pipeline.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"relaypoint/internal/config"
	"relaypoint/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// maxSQSDelay is the hard SQS ceiling for per-message delays (15 minutes).
const maxSQSDelay = 900 * time.Second

// ReminderPublisher implements types.ReminderScheduler by publishing a
// delayed ReminderMessage to the reminder queue. The SQS delay elapses and
// the message is delivered back to the worker, which re-notifies if the
// notification is still unacknowledged.
type ReminderPublisher struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
	clock    types.Clock
}

// NewReminderPublisher creates a ReminderPublisher reading the queue URL
// from the AWS config. A nil clock defaults to real time.
func NewReminderPublisher(client SQSSender, awsCfg config.AWSConfig, logger types.Logger, clock types.Clock) *ReminderPublisher {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ReminderPublisher{
		client:   client,
		queueURL: awsCfg.ReminderQueueURL,
		logger:   logger,
		clock:    clock,
	}
}

// Schedule publishes the first reminder for a persisted notification and
// returns the SQS message id as the schedule handle.
func (p *ReminderPublisher) Schedule(ctx context.Context, notificationID string, priority types.Priority, eventType types.EventType) (string, error) {
	msg := types.ReminderMessage{
		NotificationID: notificationID,
		Priority:       priority,
		EventType:      eventType,
		Attempt:        1,
		TraceID:        types.GetRequestID(ctx),
		ScheduledAt:    p.clock.Now(),
	}
	return p.publish(ctx, msg)
}

// Reschedule publishes the next reminder in an existing chain, bumping the
// attempt counter. Used by the worker when a reminder fires and the
// notification is still unacknowledged.
func (p *ReminderPublisher) Reschedule(ctx context.Context, msg types.ReminderMessage) (string, error) {
	msg.Attempt++
	msg.ScheduledAt = p.clock.Now()
	return p.publish(ctx, msg)
}

func (p *ReminderPublisher) publish(ctx context.Context, msg types.ReminderMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("queue: failed to marshal ReminderMessage: %w", err)
	}

	delay := ReminderDelay(msg.Priority, msg.Attempt)

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay.Seconds()),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"priority": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Priority)),
			},
		},
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamScheduler,
			fmt.Sprintf("failed to publish reminder for %s", msg.NotificationID), err)
	}

	handle := aws.ToString(out.MessageId)
	p.logger.Info("reminder scheduled",
		"notification_id", msg.NotificationID,
		"priority", string(msg.Priority),
		"attempt", msg.Attempt,
		"delay_seconds", int(delay.Seconds()),
		"message_id", handle,
	)
	return handle, nil
}

// ReminderDelay returns the SQS delay before the next reminder fires.
// Critical notifications remind quickly and back off per attempt; high
// priority starts slower. Delays never exceed the SQS per-message maximum.
func ReminderDelay(priority types.Priority, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base time.Duration
	switch priority {
	case types.PriorityP0:
		base = 2 * time.Minute
	case types.PriorityP1:
		base = 10 * time.Minute
	default:
		base = maxSQSDelay
	}

	delay := base * time.Duration(attempt)
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	return delay
}
