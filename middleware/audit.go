package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/gosoa/server"
	"github.com/fairyhunter13/gosoa/soa"
)

// Kafka error code for TOPIC_ALREADY_EXISTS.
const errTopicAlreadyExists = 36

// AuditSettings configures the job-audit middleware.
type AuditSettings struct {
	ServiceName       string   `yaml:"service_name" env:"AUDIT_SERVICE_NAME" validate:"required"`
	Brokers           []string `yaml:"brokers" env:"AUDIT_BROKERS" envSeparator:"," validate:"required,min=1"`
	Topic             string   `yaml:"topic" env:"AUDIT_TOPIC" envDefault:"gosoa-job-audit"`
	Partitions        int32    `yaml:"partitions" env:"AUDIT_PARTITIONS" envDefault:"1"`
	ReplicationFactor int16    `yaml:"replication_factor" env:"AUDIT_REPLICATION_FACTOR" envDefault:"1"`
}

// auditRecord is the JSON document published per processed job.
type auditRecord struct {
	Service       string   `json:"service"`
	CorrelationID string   `json:"correlation_id"`
	Actions       []string `json:"actions"`
	JobErrors     int      `json:"job_errors"`
	ActionErrors  int      `json:"action_errors"`
	DurationMS    int64    `json:"duration_ms"`
	Timestamp     string   `json:"timestamp"`
}

// JobAudit is a server middleware that publishes a compact summary of
// every processed job to a Kafka topic. Publishing is asynchronous and
// never blocks or fails the job itself.
type JobAudit struct {
	server.BaseMiddleware
	settings AuditSettings
	client   *kgo.Client
	log      *slog.Logger
}

// NewJobAudit connects to the brokers, ensures the audit topic exists,
// and returns the middleware. The Kafka client carries OTel hooks so
// audit publishes show up in traces.
func NewJobAudit(ctx context.Context, settings AuditSettings, logger *slog.Logger) (*JobAudit, error) {
	if settings.Topic == "" {
		settings.Topic = "gosoa-job-audit"
	}
	if settings.Partitions <= 0 {
		settings.Partitions = 1
	}
	if settings.ReplicationFactor <= 0 {
		settings.ReplicationFactor = 1
	}

	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	hooks := kotel.NewKotel(kotel.WithTracer(tracer))

	kafkaClient, err := kgo.NewClient(
		kgo.SeedBrokers(settings.Brokers...),
		kgo.WithHooks(hooks.Hooks()...),
		kgo.RequestRetries(10),
	)
	if err != nil {
		return nil, fmt.Errorf("op=middleware.NewJobAudit: %w", err)
	}

	if err := ensureTopic(ctx, kafkaClient, settings.Topic, settings.Partitions, settings.ReplicationFactor); err != nil {
		kafkaClient.Close()
		return nil, fmt.Errorf("op=middleware.NewJobAudit: %w", err)
	}

	return &JobAudit{
		settings: settings,
		client:   kafkaClient,
		log:      logger.With(slog.String("component", "job_audit")),
	}, nil
}

// WrapJob implements server.Middleware.
func (m *JobAudit) WrapJob(next server.JobFunc) server.JobFunc {
	return func(ctx context.Context, req *soa.JobRequest) *soa.JobResponse {
		start := time.Now()
		resp := next(ctx, req)
		m.publish(ctx, req, resp, time.Since(start))
		return resp
	}
}

func (m *JobAudit) publish(ctx context.Context, req *soa.JobRequest, resp *soa.JobResponse, elapsed time.Duration) {
	actions := make([]string, 0, len(req.Actions))
	for _, a := range req.Actions {
		actions = append(actions, a.Action)
	}
	record := auditRecord{
		Service:       m.settings.ServiceName,
		CorrelationID: soa.CorrelationID(req.Context),
		Actions:       actions,
		JobErrors:     len(resp.Errors),
		ActionErrors:  len(resp.ActionsWithErrors()),
		DurationMS:    elapsed.Milliseconds(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	value, err := json.Marshal(record)
	if err != nil {
		m.log.Warn("failed to marshal audit record", slog.Any("error", err))
		return
	}

	m.client.Produce(ctx, &kgo.Record{
		Topic: m.settings.Topic,
		Key:   []byte(record.CorrelationID),
		Value: value,
	}, func(_ *kgo.Record, err error) {
		if err != nil {
			m.log.Warn("failed to publish audit record",
				slog.String("topic", m.settings.Topic),
				slog.Any("error", err),
			)
		}
	})
}

// Close flushes pending audit records and releases the Kafka client.
func (m *JobAudit) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.client.Flush(ctx); err != nil {
		m.client.Close()
		return fmt.Errorf("op=middleware.JobAudit.Close: %w", err)
	}
	m.client.Close()
	return nil
}

// ensureTopic creates the audit topic through the Kafka admin API,
// tolerating an already-existing topic.
func ensureTopic(ctx context.Context, kafkaClient *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := kafkaClient.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("create topic %s: unexpected response type %T", topic, resp)
	}
	for _, t := range createResp.Topics {
		if t.ErrorCode == 0 || t.ErrorCode == errTopicAlreadyExists {
			continue
		}
		msg := ""
		if t.ErrorMessage != nil {
			msg = *t.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", t.Topic, msg, t.ErrorCode)
	}
	return nil
}
