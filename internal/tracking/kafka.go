package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string
	Topic   string

	// MaxAttempts defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 5s if zero.
	WriteTimeout time.Duration
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the record published for every mirrored run operation. Events are keyed
// by run name so a job's events stay on one partition and keep their order.
type Event struct {
	Type    string             `json:"type"`
	RunName string             `json:"run_name"`
	Status  RunStatus          `json:"status,omitempty"`
	Params  map[string]string  `json:"params,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Step    int64              `json:"step,omitempty"`
	At      time.Time          `json:"at"`
}

const (
	EventRunStarted = "run_started"
	EventParams     = "params_logged"
	EventMetrics    = "metrics_logged"
	EventRunEnded   = "run_ended"
)

// KafkaPublisher streams run operations to a Kafka topic. It cannot answer searches.
type KafkaPublisher struct {
	writer      messageWriter
	maxAttempts int
	timeout     time.Duration
	backoff     time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return newKafkaPublisher(w, cfg), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig) *KafkaPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &KafkaPublisher{
		writer:      w,
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.WriteTimeout,
		backoff:     100 * time.Millisecond,
	}
}

func (p *KafkaPublisher) StartRun(ctx context.Context, runName string) (Run, error) {
	run := &kafkaRun{publisher: p, name: runName}
	if err := p.publish(ctx, Event{Type: EventRunStarted, RunName: runName, Status: RunStatusRunning}); err != nil {
		return nil, err
	}
	return run, nil
}

func (p *KafkaPublisher) SearchRuns(ctx context.Context) ([]json.RawMessage, error) {
	return nil, fmt.Errorf("%w: kafka publisher cannot search runs", ErrUnsupported)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func (p *KafkaPublisher) publish(ctx context.Context, ev Event) error {
	ev.At = time.Now().UTC()
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", ErrTracking, err)
	}
	msg := kafka.Message{Key: []byte(ev.RunName), Value: value, Time: ev.At}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		lastErr = p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == p.maxAttempts {
			break
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			break
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("%w: kafka produce failed after %d attempts: %v", ErrTracking, p.maxAttempts, lastErr)
}

type kafkaRun struct {
	publisher *KafkaPublisher
	name      string
}

// ID is the run name; the stream has no server-side run identifiers.
func (r *kafkaRun) ID() string {
	return r.name
}

func (r *kafkaRun) LogParams(ctx context.Context, params map[string]interface{}) error {
	formatted := make(map[string]string, len(params))
	for k, v := range params {
		formatted[k] = FormatParam(v)
	}
	return r.publisher.publish(ctx, Event{Type: EventParams, RunName: r.name, Params: formatted})
}

func (r *kafkaRun) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	return r.publisher.publish(ctx, Event{Type: EventMetrics, RunName: r.name, Metrics: metrics})
}

func (r *kafkaRun) LogMetric(ctx context.Context, key string, value float64, step int64) error {
	return r.publisher.publish(ctx, Event{
		Type:    EventMetrics,
		RunName: r.name,
		Metrics: map[string]float64{key: value},
		Step:    step,
	})
}

func (r *kafkaRun) LogParam(ctx context.Context, key string, value interface{}) error {
	return r.publisher.publish(ctx, Event{
		Type:    EventParams,
		RunName: r.name,
		Params:  map[string]string{key: FormatParam(value)},
	})
}

func (r *kafkaRun) End(ctx context.Context, status RunStatus) error {
	return r.publisher.publish(ctx, Event{Type: EventRunEnded, RunName: r.name, Status: status})
}
