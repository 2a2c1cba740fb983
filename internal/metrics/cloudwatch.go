package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"ledgerbot/internal/domain"
)

type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch publishes events as CloudWatch metrics. Each event is sent in
// the background with its own timeout; Close waits for pending sends.
type CloudWatch struct {
	cw         putMetricDataAPI
	namespace  string
	dimensions []types.Dimension
	timeout    time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
	now        func() time.Time
}

func NewCloudWatch(cw *cloudwatch.Client, namespace string, dimensions map[string]string, logger *slog.Logger) *CloudWatch {
	return newCloudWatch(cw, namespace, dimensions, logger)
}

func newCloudWatch(cw putMetricDataAPI, namespace string, dimensions map[string]string, logger *slog.Logger) *CloudWatch {
	names := make([]string, 0, len(dimensions))
	for k := range dimensions {
		names = append(names, k)
	}
	sort.Strings(names)
	dims := make([]types.Dimension, 0, len(names))
	for _, k := range names {
		dims = append(dims, types.Dimension{Name: aws.String(k), Value: aws.String(dimensions[k])})
	}
	return &CloudWatch{
		cw:         cw,
		namespace:  namespace,
		dimensions: dims,
		timeout:    10 * time.Second,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *CloudWatch) Ack(status string) {
	now := c.now()
	c.put("Ack", []types.MetricDatum{
		c.datum("WebhookAck", now, 1, types.StandardUnitCount, "Status", status),
	})
}

func (c *CloudWatch) Delivery(d domain.Delivery) {
	now := c.now()
	data := []types.MetricDatum{
		c.datum("Deliveries", now, 1, types.StandardUnitCount, "State", d.State),
		c.datum("PipelineLatency", now, float64(d.Duration.Milliseconds()), types.StandardUnitMilliseconds, "", ""),
	}
	if d.Action != "" && d.Outcome == "failed" {
		data = append(data, c.datum("LedgerFailures", now, 1, types.StandardUnitCount, "Action", d.Action))
	}
	c.put("Delivery", data)
}

// Close waits for in-flight sends.
func (c *CloudWatch) Close() error {
	c.wg.Wait()
	return nil
}

func (c *CloudWatch) datum(name string, at time.Time, value float64, unit types.StandardUnit, dimName, dimValue string) types.MetricDatum {
	dims := c.dimensions
	if dimName != "" {
		dims = append(append([]types.Dimension(nil), c.dimensions...),
			types.Dimension{Name: aws.String(dimName), Value: aws.String(dimValue)})
	}
	return types.MetricDatum{
		MetricName: aws.String(name),
		Timestamp:  aws.Time(at),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
	}
}

func (c *CloudWatch) put(event string, data []types.MetricDatum) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		_, err := c.cw.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: data,
		})
		if err != nil {
			c.logger.Error("failed to send CloudWatch metrics", "event", event, "error", err)
		}
	}()
}
