package logger

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var cwClient *cloudwatch.Client
var cwNamespace = "Barvault"
var cwDashboard = "Barvault"

// InitCloudWatch initialises the CloudWatch client using the provided region and
// namespace. If region is empty it falls back to the AWS_REGION environment
// variable. When the client cannot be created the function logs a warning and
// metrics publishing remains disabled.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwClient = cloudwatch.NewFromConfig(cfg)

	if namespace != "" {
		cwNamespace = namespace
	}

	if dashboard != "" {
		cwDashboard = dashboard
	}

	log.WithFields(Fields{"region": region, "namespace": cwNamespace}).Info("initialized CloudWatch client")

	CreateDefaultDashboard(ctx)
}

// publishMetrics sends the provided metric data to CloudWatch when the client
// has been initialised. Unsupported values simply log at debug level.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	log := GetLogger().WithComponent("cloudwatch")
	if cwClient == nil {
		log.Debug("CloudWatch client not initialized; skipping metric publish")
		return
	}

	if len(data) == 0 {
		log.Debug("no metric data to publish")
		return
	}

	if _, err := cwClient.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(cwNamespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}

	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// PublishMetric builds a single CloudWatch datum from a metric name, value and
// structured fields and publishes it. The component and every non-reserved
// string field become dimensions; a "unit" field selects the datum unit and
// everything else defaults to Count.
func PublishMetric(ctx context.Context, component, metric string, value float64, fields Fields) {
	if metric == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	unit := cwtypes.StandardUnitCount
	if rawUnit, ok := fields["unit"]; ok {
		if unitStr, ok := rawUnit.(string); ok {
			if parsedUnit, found := metricUnitFromString(unitStr); found {
				unit = parsedUnit
			} else {
				GetLogger().WithComponent("cloudwatch").WithFields(Fields{"metric": metric, "unit": unitStr}).Debug("unsupported metric unit; defaulting to Count")
			}
		}
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range fields {
		if k == "metric" || k == "metric_type" || k == "value" || k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	publishMetrics(ctx, []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
	}})
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}

// CreateDefaultDashboard ensures a basic dashboard exists when the CloudWatch
// client has been configured. Failures are logged but do not stop execution.
func CreateDefaultDashboard(ctx context.Context) {
	if cwClient == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","CPUPercent"],
    ["%[1]s","MemoryMB"],
    ["%[1]s","RowsWritten"],
    ["%[1]s","BarsFetched"]
],
"period": 60,
"stat": "Average",
"title": "Barvault Fetch & Archive"
}
}]
}`, cwNamespace)

	if _, err := cwClient.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(cwDashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
