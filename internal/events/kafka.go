// Package events publishes batch outcomes to Kafka. Events are advisory: the
// archive stays the source of truth and broker failures never fail a batch.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "barvault/config"
	"barvault/internal/models"
	"barvault/logger"
)

// Publisher writes one message per finished batch to the report topic and one
// per failed symbol to the error topic.
type Publisher struct {
	config  *appconfig.Config
	reports *kafka.Writer
	errors  *kafka.Writer
	log     *logger.Log
}

// symbolFailure is the error-topic payload for one failed symbol.
type symbolFailure struct {
	BatchID   string    `json:"batch_id"`
	Symbol    string    `json:"symbol"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPublisher builds a publisher from the events config.
func NewPublisher(cfg *appconfig.Config) (*Publisher, error) {
	k := cfg.Events.Kafka
	if len(k.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if k.ReportTopic == "" {
		return nil, fmt.Errorf("kafka report topic not configured")
	}

	p := &Publisher{
		config: cfg,
		reports: &kafka.Writer{
			Addr:     kafka.TCP(k.Brokers...),
			Topic:    k.ReportTopic,
			Balancer: &kafka.LeastBytes{},
		},
		log: logger.GetLogger(),
	}
	if k.ErrorTopic != "" {
		p.errors = &kafka.Writer{
			Addr:     kafka.TCP(k.Brokers...),
			Topic:    k.ErrorTopic,
			Balancer: &kafka.LeastBytes{},
		}
	}

	p.log.WithComponent("events").WithFields(logger.Fields{
		"brokers":      k.Brokers,
		"report_topic": k.ReportTopic,
		"error_topic":  k.ErrorTopic,
	}).Debug("kafka publisher initialized")

	return p, nil
}

// PublishReport emits the finished batch and its per-symbol failures. Broker
// errors are logged and swallowed.
func (p *Publisher) PublishReport(ctx context.Context, report models.BatchReport) {
	log := p.log.WithComponent("events").WithFields(logger.Fields{
		"batch_id": report.BatchID,
	})

	msg, err := reportMessage(report)
	if err != nil {
		log.WithError(err).Warn("failed to marshal batch report")
		return
	}
	if err := p.reports.WriteMessages(ctx, msg); err != nil {
		log.WithError(err).Warn("failed to publish batch report")
	} else {
		logger.RecordFlowMessage("kafka_reports", len(msg.Value))
		logger.LogDataFlowEntry(log, "fetch", p.config.Events.Kafka.ReportTopic, report.Total(), "batch_report")
		log.WithFields(logger.Fields{
			"success": report.Success,
			"failed":  report.Failed,
			"skipped": report.Skipped,
		}).Debug("batch report published")
	}

	if p.errors == nil || len(report.Errors) == 0 {
		return
	}

	msgs, err := errorMessages(report)
	if err != nil {
		log.WithError(err).Warn("failed to marshal symbol failures")
		return
	}
	if err := p.errors.WriteMessages(ctx, msgs...); err != nil {
		log.WithError(err).Warn("failed to publish symbol failures")
		return
	}
	for _, m := range msgs {
		logger.RecordFlowMessage("kafka_errors", len(m.Value))
	}
	log.WithFields(logger.Fields{"failures": len(msgs)}).Debug("symbol failures published")
}

// Close releases both topic writers.
func (p *Publisher) Close() {
	p.reports.Close()
	if p.errors != nil {
		p.errors.Close()
	}
	p.log.WithComponent("events").Debug("kafka publisher closed")
}

func reportMessage(report models.BatchReport) (kafka.Message, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(report.BatchID),
		Value: data,
	}, nil
}

func errorMessages(report models.BatchReport) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(report.Errors))
	for _, e := range report.Errors {
		data, err := json.Marshal(symbolFailure{
			BatchID:   report.BatchID,
			Symbol:    e.Symbol,
			Message:   e.Message,
			Timestamp: e.Timestamp,
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Symbol),
			Value: data,
		})
	}
	return msgs, nil
}
