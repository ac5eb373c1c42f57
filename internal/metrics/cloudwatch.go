package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"userstream/config"
	"userstream/logger"
)

// PutMetricData accepts at most this many datums per call.
const maxDatumsPerPut = 1000

type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type pendingDatum struct {
	name  string
	dims  []cwtypes.Dimension
	value float64
}

// CloudWatchPublisher sums emitted metrics and publishes them to
// CloudWatch once per interval.
type CloudWatchPublisher struct {
	client    putMetricDataAPI
	namespace string
	interval  time.Duration
	log       *logger.Entry

	mu      sync.Mutex
	pending map[string]*pendingDatum
}

// NewCloudWatchPublisher loads AWS configuration for cfg.Region. Static
// credentials are used when both keys are set, otherwise the default chain.
func NewCloudWatchPublisher(ctx context.Context, cfg config.CloudWatchConfig) (*CloudWatchPublisher, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return newCloudWatchPublisher(cloudwatch.NewFromConfig(awsCfg), cfg.Namespace, cfg.PublishInterval), nil
}

func newCloudWatchPublisher(client putMetricDataAPI, namespace string, interval time.Duration) *CloudWatchPublisher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CloudWatchPublisher{
		client:    client,
		namespace: namespace,
		interval:  interval,
		log:       logger.GetLogger().WithComponent("cloudwatch"),
		pending:   make(map[string]*pendingDatum),
	}
}

// Run receives every emitted metric and publishes the sums until ctx is
// cancelled, flushing once more on the way out.
func (p *CloudWatchPublisher) Run(ctx context.Context) {
	id := RegisterMetricHandler(p.handle)
	defer UnregisterMetricHandler(id)

	p.log.WithFields(logger.Fields{
		"namespace": p.namespace,
		"interval":  p.interval.String(),
	}).Info("publishing metrics to CloudWatch")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			p.flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

func (p *CloudWatchPublisher) handle(m Metric) {
	value, ok := toFloat64(m.Value)
	if !ok {
		return
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	keys := make([]string, 0, len(m.Fields))
	for k, v := range m.Fields {
		if s, ok := v.(string); ok && s != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(m.Component)
	b.WriteByte('|')
	b.WriteString(m.Name)
	for _, k := range keys {
		s := m.Fields[k].(string)
		dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s)
	}
	key := b.String()

	p.mu.Lock()
	if d, ok := p.pending[key]; ok {
		d.value += value
	} else {
		p.pending[key] = &pendingDatum{name: m.Name, dims: dims, value: value}
	}
	p.mu.Unlock()
}

func (p *CloudWatchPublisher) flush(ctx context.Context) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]*pendingDatum)
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now()
	data := make([]cwtypes.MetricDatum, 0, len(keys))
	for _, k := range keys {
		d := pending[k]
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(d.name),
			Dimensions: d.dims,
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  aws.Time(now),
			Value:      aws.Float64(d.value),
		})
	}

	for start := 0; start < len(data); start += maxDatumsPerPut {
		end := start + maxDatumsPerPut
		if end > len(data) {
			end = len(data)
		}
		if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(p.namespace),
			MetricData: data[start:end],
		}); err != nil {
			p.log.WithError(err).Warn("failed to publish CloudWatch metrics")
			return
		}
	}

	p.log.WithField("datums", len(data)).Debug("published metrics to CloudWatch")
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
