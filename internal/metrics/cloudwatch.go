// Package metrics provides the delivery metrics emitters: a CloudWatch
// implementation for per-channel delivery outcomes and a Prometheus surface
// for process and HTTP metrics.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"relaypoint/internal/config"
	"relaypoint/internal/notifications/engine"
	"relaypoint/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metric and dimension names for the CloudWatch delivery metrics.
const (
	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricDeliveryLatency = "DeliveryLatency"

	DimChannel = "Channel"
	DimResult  = "Result"

	resultSuccess = "success"
	resultFailure = "failure"
)

// CloudWatchDeliveryMetrics emits per-channel delivery outcomes to
// CloudWatch. Emission failures are logged, never surfaced: metrics must not
// affect delivery.
//
// Metrics emitted per outcome:
//   - DeliveryAttempt: Dims {Channel, Result}, Count
//   - DeliveryLatency: Dims {Channel}, Milliseconds
type CloudWatchDeliveryMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ engine.MetricsEmitter = (*CloudWatchDeliveryMetrics)(nil)

// NewCloudWatchDeliveryMetrics creates an emitter publishing to the
// configured namespace.
func NewCloudWatchDeliveryMetrics(client CloudWatchClient, awsCfg config.AWSConfig, logger types.Logger) *CloudWatchDeliveryMetrics {
	return &CloudWatchDeliveryMetrics{
		client:    client,
		namespace: awsCfg.MetricsNamespace,
		logger:    logger,
	}
}

// RecordDelivery publishes the attempt counter and latency for one channel
// delivery. Also feeds the Prometheus delivery series so both surfaces stay
// consistent.
func (m *CloudWatchDeliveryMetrics) RecordDelivery(ctx context.Context, channel types.ChannelType, success bool, latency time.Duration) {
	result := resultSuccess
	if !success {
		result = resultFailure
	}

	ObserveDelivery(string(channel), result, latency)

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricDeliveryAttempt),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(DimChannel), Value: aws.String(string(channel))},
					{Name: aws.String(DimResult), Value: aws.String(result)},
				},
			},
			{
				MetricName: aws.String(MetricDeliveryLatency),
				Value:      aws.Float64(float64(latency.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(DimChannel), Value: aws.String(string(channel))},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record delivery metric",
			"error", err.Error(),
			"channel", string(channel),
			"result", result,
		)
	}
}

// NoopDeliveryMetrics discards all metrics. Used when metrics are disabled
// by configuration.
type NoopDeliveryMetrics struct{}

var _ engine.MetricsEmitter = NoopDeliveryMetrics{}

// RecordDelivery discards the observation.
func (NoopDeliveryMetrics) RecordDelivery(context.Context, types.ChannelType, bool, time.Duration) {
}
