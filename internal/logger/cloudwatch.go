package logger

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	cwClient    *cloudwatch.Client
	cwNamespace = "MarketFeed"
)

// InitCloudWatch wires a CloudWatch client used as the Error Tracker's alert
// sink (see internal/errtrack). When the AWS configuration cannot be loaded
// a warning is logged, the client stays nil and PublishMetric becomes a
// silent no-op — alerts must never block the hot path on AWS reachability.
func InitCloudWatch(region, namespace string) {
	log := Get().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch alerts disabled")
		return
	}

	cwClient = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cwNamespace = namespace
	}
	log.WithFields(Fields{"region": region, "namespace": cwNamespace}).Info("CloudWatch alert sink initialized")
}

// PublishMetric emits a single count metric, non-blocking best-effort. It is
// safe to call even when InitCloudWatch was never invoked.
func PublishMetric(ctx context.Context, name string, value float64, dims map[string]string) {
	if cwClient == nil {
		return
	}

	dimensions := make([]cwtypes.Dimension, 0, len(dims))
	for k, v := range dims {
		dimensions = append(dimensions, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
	}

	go func() {
		_, err := cwClient.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace: aws.String(cwNamespace),
			MetricData: []cwtypes.MetricDatum{{
				MetricName: aws.String(name),
				Dimensions: dimensions,
				Unit:       cwtypes.StandardUnitCount,
				Value:      aws.Float64(value),
			}},
		})
		if err != nil {
			Get().WithComponent("cloudwatch").WithError(err).Debug("failed to publish metric")
		}
	}()
}
