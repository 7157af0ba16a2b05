package events

import (
	"encoding/json"
	"testing"
	"time"

	appconfig "barvault/config"
	"barvault/internal/models"
)

func testReport() models.BatchReport {
	return models.BatchReport{
		BatchID:     "batch-123",
		Success:     5,
		Failed:      2,
		Skipped:     1,
		RowsWritten: 240,
		StartedAt:   time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		FinishedAt:  time.Date(2024, 1, 2, 10, 5, 0, 0, time.UTC),
		Errors: []models.BatchError{
			{Symbol: "NOPEUSDT", Message: "provider: symbol NOPEUSDT: unknown symbol", Timestamp: time.Date(2024, 1, 2, 10, 1, 0, 0, time.UTC)},
			{Symbol: "BADUSDT", Message: "store: partition changed during write", Timestamp: time.Date(2024, 1, 2, 10, 2, 0, 0, time.UTC)},
		},
	}
}

func TestNewPublisherRequiresBrokers(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Events.Kafka.ReportTopic = "reports"
	if _, err := NewPublisher(cfg); err == nil {
		t.Fatal("expected error without brokers")
	}
}

func TestNewPublisherRequiresReportTopic(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Events.Kafka.Brokers = []string{"localhost:9092"}
	if _, err := NewPublisher(cfg); err == nil {
		t.Fatal("expected error without report topic")
	}
}

func TestNewPublisherErrorTopicOptional(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Events.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Events.Kafka.ReportTopic = "reports"

	p, err := NewPublisher(cfg)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer p.Close()
	if p.errors != nil {
		t.Error("error writer should be nil without an error topic")
	}
}

func TestReportMessage(t *testing.T) {
	report := testReport()
	msg, err := reportMessage(report)
	if err != nil {
		t.Fatalf("reportMessage: %v", err)
	}

	if string(msg.Key) != "batch-123" {
		t.Errorf("key = %q, want batch id", msg.Key)
	}

	var decoded models.BatchReport
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded.Success != 5 || decoded.Failed != 2 || decoded.Skipped != 1 {
		t.Errorf("decoded counts = %d/%d/%d", decoded.Success, decoded.Failed, decoded.Skipped)
	}
	if decoded.RowsWritten != 240 {
		t.Errorf("rows written = %d, want 240", decoded.RowsWritten)
	}
	if len(decoded.Errors) != 2 {
		t.Errorf("errors = %d, want 2", len(decoded.Errors))
	}
}

func TestErrorMessages(t *testing.T) {
	report := testReport()
	msgs, err := errorMessages(report)
	if err != nil {
		t.Fatalf("errorMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	if string(msgs[0].Key) != "NOPEUSDT" || string(msgs[1].Key) != "BADUSDT" {
		t.Errorf("keys = %q, %q", msgs[0].Key, msgs[1].Key)
	}

	var failure symbolFailure
	if err := json.Unmarshal(msgs[0].Value, &failure); err != nil {
		t.Fatalf("unmarshal failure: %v", err)
	}
	if failure.BatchID != "batch-123" {
		t.Errorf("batch id = %q, want batch-123", failure.BatchID)
	}
	if failure.Symbol != "NOPEUSDT" {
		t.Errorf("symbol = %q", failure.Symbol)
	}
	if failure.Message == "" || failure.Timestamp.IsZero() {
		t.Errorf("failure payload incomplete: %+v", failure)
	}
}
