package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// maxDatumsPerPut is the PutMetricData limit on datums per request.
const maxDatumsPerPut = 1000

// metricsAPI is the part of the CloudWatch client used for publishing.
type metricsAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

// publisher holds the CloudWatch destination. A nil api disables publishing.
type publisher struct {
	mu        sync.RWMutex
	api       metricsAPI
	namespace string
	dashboard string
}

var cw = &publisher{namespace: "CryptoStream", dashboard: "CryptoStream"}

func (p *publisher) configure(api metricsAPI, namespace, dashboard string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.api = api
	if namespace != "" {
		p.namespace = namespace
	}
	if dashboard != "" {
		p.dashboard = dashboard
	}
}

func (p *publisher) target() (metricsAPI, string, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.api, p.namespace, p.dashboard
}

// InitCloudWatch creates the CloudWatch client used by LogMetric and the
// runtime report. An empty region falls back to AWS_REGION. On failure metric
// publishing stays disabled and the error is returned for the caller to log.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) error {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	cw.configure(cloudwatch.NewFromConfig(cfg), namespace, dashboard)
	_, ns, _ := cw.target()
	GetLogger().WithComponent("cloudwatch").WithFields(Fields{"region": region, "namespace": ns}).Info("cloudwatch publishing enabled")
	CreateDefaultDashboard(ctx)
	return nil
}

// publishMetrics sends data in batches the API accepts. A failed batch is
// logged and the rest are still attempted.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	api, ns, _ := cw.target()
	if api == nil || len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	sent := 0
	for start := 0; start < len(data); start += maxDatumsPerPut {
		end := start + maxDatumsPerPut
		if end > len(data) {
			end = len(data)
		}
		if _, err := api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(ns),
			MetricData: data[start:end],
		}); err != nil {
			log.WithError(err).WithFields(Fields{"datums": end - start}).Warn("metric batch rejected")
			continue
		}
		sent += end - start
	}
	log.WithFields(Fields{"datums": sent, "namespace": ns}).Debug("metrics published")
}

type dashboardBody struct {
	Widgets []dashboardWidget `json:"widgets"`
}

type dashboardWidget struct {
	Type       string           `json:"type"`
	X          int              `json:"x"`
	Y          int              `json:"y"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Properties widgetProperties `json:"properties"`
}

type widgetProperties struct {
	Metrics [][]string `json:"metrics"`
	Period  int        `json:"period"`
	Stat    string     `json:"stat"`
	Title   string     `json:"title"`
	Region  string     `json:"region,omitempty"`
}

// defaultDashboard lays out one row for stream health and one for process
// load, both over the report's metric names.
func defaultDashboard(namespace, region string) dashboardBody {
	series := func(names ...string) [][]string {
		out := make([][]string, len(names))
		for i, n := range names {
			out[i] = []string{namespace, n}
		}
		return out
	}
	return dashboardBody{Widgets: []dashboardWidget{
		{
			Type: "metric", X: 0, Y: 0, Width: 24, Height: 6,
			Properties: widgetProperties{
				Metrics: series("Connects", "Reconnects", "Desyncs", "FuturesRejected", "ErrorsConnection", "ErrorsOrderBook"),
				Period:  60, Stat: "Sum", Title: "Stream health", Region: region,
			},
		},
		{
			Type: "metric", X: 0, Y: 6, Width: 24, Height: 6,
			Properties: widgetProperties{
				Metrics: series("Goroutines", "HeapAllocMB", "ThrottleAvgWaitMs"),
				Period:  60, Stat: "Average", Title: "Process", Region: region,
			},
		},
	}}
}

// CreateDefaultDashboard puts the default dashboard when publishing is
// enabled. Failures are logged only.
func CreateDefaultDashboard(ctx context.Context) {
	api, ns, name := cw.target()
	if api == nil {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	body, err := json.Marshal(defaultDashboard(ns, os.Getenv("AWS_REGION")))
	if err != nil {
		log.WithError(err).Warn("encode dashboard")
		return
	}
	if _, err := api.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(name),
		DashboardBody: aws.String(string(body)),
	}); err != nil {
		log.WithError(err).WithFields(Fields{"dashboard": name}).Warn("failed to put dashboard")
	}
}
