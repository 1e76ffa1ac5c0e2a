package trafficexport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/tunnelgate/internal/config"
	obstracing "github.com/smallbiznis/tunnelgate/internal/observability/tracing"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	sinkRemoteWrite = "prometheus_remote_write"
	sinkPushgateway = "prometheus_pushgateway"

	defaultPushTimeout = 5 * time.Second
)

var (
	ErrExportSinkMissing     = errors.New("traffic_export_sink_missing")
	ErrExportEndpointMissing = errors.New("traffic_export_endpoint_missing")
	ErrExportSinkUnknown     = errors.New("traffic_export_sink_unknown")
)

// Source identifies the deployment a snapshot was taken from. It is attached
// to every pushed series so snapshots of several deployments can share a sink.
type Source struct {
	Job         string
	Instance    string
	Environment string
}

func (s Source) labels() map[string]string {
	out := make(map[string]string, 3)
	for name, value := range map[string]string{
		"job":         s.Job,
		"instance":    s.Instance,
		"environment": s.Environment,
	} {
		if value = strings.TrimSpace(value); value != "" {
			out[name] = value
		}
	}
	return out
}

// Pusher ships one accounting snapshot to an external sink.
type Pusher interface {
	Push(ctx context.Context, gauges *Gauges) error
}

// NewPusher builds the pusher for the configured sink. A misconfigured sink
// is logged and disables the export instead of failing startup.
func NewPusher(cfg config.Config, logger *zap.Logger) Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Export.Enabled {
		return nil
	}

	source := Source{Job: cfg.AppName, Instance: cfg.Export.Instance, Environment: cfg.Environment}
	if source.Instance == "" {
		source.Instance, _ = os.Hostname()
	}

	pusher, err := newSinkPusher(cfg.Export, source)
	if err != nil {
		logger.Warn("traffic export disabled",
			zap.String("sink", cfg.Export.Exporter),
			zap.Error(err),
		)
		return nil
	}
	return pusher
}

func newSinkPusher(cfg config.ExportConfig, source Source) (Pusher, error) {
	sink := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	endpoint := strings.TrimSpace(cfg.Endpoint)
	switch {
	case sink == "":
		return nil, ErrExportSinkMissing
	case endpoint == "":
		return nil, ErrExportEndpointMissing
	}

	switch sink {
	case sinkRemoteWrite:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return nil, fmt.Errorf("remote write endpoint: %w", err)
		}
		return NewRemoteWritePusher(endpoint, cfg.AuthToken, source), nil
	case sinkPushgateway:
		if strings.TrimSpace(source.Job) == "" {
			return nil, errors.New("pushgateway needs a job name")
		}
		return NewPushgatewayPusher(endpoint, source), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrExportSinkUnknown, sink)
	}
}

// RemoteWritePusher writes the snapshot to a Prometheus remote_write receiver.
// Every gauge sample carries the snapshot time and the source labels.
type RemoteWritePusher struct {
	endpoint  string
	authToken string
	source    map[string]string
	client    *http.Client
	now       func() time.Time
}

func NewRemoteWritePusher(endpoint, authToken string, source Source) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:  endpoint,
		authToken: strings.TrimSpace(authToken),
		source:    source.labels(),
		client:    obstracing.WrapHTTPClient(&http.Client{Timeout: defaultPushTimeout}),
		now:       time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, gauges *Gauges) error {
	if p == nil || gauges == nil {
		return nil
	}
	families, err := gauges.Registry().Gather()
	if err != nil {
		return fmt.Errorf("gather snapshot: %w", err)
	}
	series := snapshotSeries(families, p.source, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	payload, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push snapshot: remote write returned %s", resp.Status)
	}
	return nil
}

// PushgatewayPusher replaces the snapshot group of this source on a
// Pushgateway. The job is the push path; instance and environment group it.
type PushgatewayPusher struct {
	endpoint string
	source   Source
}

func NewPushgatewayPusher(endpoint string, source Source) *PushgatewayPusher {
	return &PushgatewayPusher{endpoint: endpoint, source: source}
}

func (p *PushgatewayPusher) Push(ctx context.Context, gauges *Gauges) error {
	if p == nil || gauges == nil {
		return nil
	}
	labels := p.source.labels()
	job := labels["job"]
	delete(labels, "job")

	req := push.New(p.endpoint, job).Gatherer(gauges.Registry())
	for name, value := range labels {
		req = req.Grouping(name, value)
	}
	if err := req.PushContext(ctx); err != nil {
		return fmt.Errorf("push snapshot: %w", err)
	}
	return nil
}

// snapshotSeries flattens the gauge families of this service into remote
// write series, sorted by metric name and labels so payloads are stable.
// Series labels win over source labels of the same name.
func snapshotSeries(families []*dto.MetricFamily, source map[string]string, timestampMs int64) []prompb.TimeSeries {
	var series []prompb.TimeSeries
	for _, family := range families {
		if family.GetType() != dto.MetricType_GAUGE || !strings.HasPrefix(family.GetName(), namespace+"_") {
			continue
		}
		for _, metric := range family.GetMetric() {
			if metric.GetGauge() == nil {
				continue
			}
			set := make(map[string]string, len(source)+len(metric.GetLabel())+1)
			for name, value := range source {
				set[name] = value
			}
			for _, label := range metric.GetLabel() {
				set[label.GetName()] = label.GetValue()
			}
			set["__name__"] = family.GetName()

			series = append(series, prompb.TimeSeries{
				Labels:  sortedLabels(set),
				Samples: []prompb.Sample{{Value: metric.GetGauge().GetValue(), Timestamp: timestampMs}},
			})
		}
	}
	sort.SliceStable(series, func(i, j int) bool {
		return seriesKey(series[i]) < seriesKey(series[j])
	})
	return series
}

func sortedLabels(set map[string]string) []prompb.Label {
	labels := make([]prompb.Label, 0, len(set))
	for name, value := range set {
		labels = append(labels, prompb.Label{Name: name, Value: value})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}

func seriesKey(ts prompb.TimeSeries) string {
	var b strings.Builder
	for _, label := range ts.Labels {
		b.WriteString(label.Name)
		b.WriteByte('=')
		b.WriteString(label.Value)
		b.WriteByte(',')
	}
	return b.String()
}
