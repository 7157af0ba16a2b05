package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"barvault/internal/fetch"
	"barvault/internal/metrics"
	"barvault/internal/models"
	"barvault/logger"
)

func testReport() models.BatchReport {
	return models.BatchReport{
		BatchID:     "batch-1",
		Success:     2,
		Failed:      1,
		Skipped:     1,
		RowsWritten: 42,
		Errors: []models.BatchError{
			{Symbol: "DELISTED", Message: "provider: unknown symbol", Timestamp: time.Unix(100, 0)},
		},
		StartedAt:  time.Unix(50, 0),
		FinishedAt: time.Unix(150, 0),
	}
}

type fakeCoverage struct {
	req    models.CoverageRequest
	result models.CoverageResult
	err    error
}

func (f *fakeCoverage) Check(_ context.Context, req models.CoverageRequest) (models.CoverageResult, error) {
	f.req = req
	return f.result, f.err
}

type fakeBars struct {
	bars []models.Bar
	err  error
}

func (f *fakeBars) Bars(_ context.Context, _ string, _, _ time.Time) ([]models.Bar, error) {
	return f.bars, f.err
}

func newTestServer(t *testing.T, checker CoverageChecker, bars BarReader) *Server {
	t.Helper()

	srv, err := NewServer(testConfig(), logger.Logger(), checker, bars)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected non-nil server")
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	log := logger.Logger()
	srv := newTestServer(t, nil, nil)

	metrics.Record(log, "store", "rows_written", 5, "counter", logger.Fields{"symbol": "AAPL"})

	router, err := srv.buildRouter("barvault")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if len(srv.metricStore.snapshot()) == 0 {
		t.Fatalf("metrics store empty")
	}
	if !strings.Contains(res.Body.String(), "rows_written") {
		t.Fatalf("metrics payload missing recorded metric: %s", res.Body.String())
	}
}

func TestReportEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	router, err := srv.buildRouter("barvault")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/report", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusNotFound {
		t.Fatalf("report before any batch: status = %d, want 404", res.Code)
	}

	srv.reports.update(testReport())

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/report", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}

	var payload struct {
		Report models.BatchReport `json:"report"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode report payload: %v", err)
	}
	if payload.Report.BatchID != "batch-1" || payload.Report.RowsWritten != 42 {
		t.Fatalf("unexpected report payload: %#v", payload.Report)
	}
	if len(payload.Report.Errors) != 1 || payload.Report.Errors[0].Symbol != "DELISTED" {
		t.Fatalf("report errors not preserved: %#v", payload.Report.Errors)
	}
}

func TestCoverageEndpointChecksLiveCoverage(t *testing.T) {
	checker := &fakeCoverage{
		result: models.CoverageResult{Symbol: "AAPL", Status: models.CoverageComplete},
	}
	srv := newTestServer(t, checker, nil)

	router, err := srv.buildRouter("barvault")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet,
		"/api/coverage?universe=sp500&symbol=AAPL&start=2024-01-02&end=2024-03-01&freq=weekly", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d body: %s", res.Code, res.Body.String())
	}

	if checker.req.Universe != "sp500" || checker.req.Symbol != "AAPL" {
		t.Fatalf("checker received wrong scope: %#v", checker.req)
	}
	if checker.req.Frequency != models.FreqWeekly {
		t.Fatalf("checker frequency = %q, want weekly", checker.req.Frequency)
	}
	if !checker.req.Start.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("checker start = %s", checker.req.Start)
	}

	var payload struct {
		Coverage models.CoverageResult `json:"coverage"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode coverage payload: %v", err)
	}
	if payload.Coverage.Status != models.CoverageComplete {
		t.Fatalf("coverage status = %q, want complete", payload.Coverage.Status)
	}
}

func TestCoverageEndpointValidatesParams(t *testing.T) {
	srv := newTestServer(t, &fakeCoverage{}, nil)

	router, err := srv.buildRouter("barvault")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	cases := []string{
		"/api/coverage",
		"/api/coverage?universe=sp500",
		"/api/coverage?universe=sp500&symbol=AAPL&start=02-01-2024&end=2024-03-01",
		"/api/coverage?universe=sp500&symbol=AAPL&start=2024-01-02&end=2024-03-01&freq=hourly",
	}
	for _, target := range cases {
		res := httptest.NewRecorder()
		router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, target, nil))
		if res.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", target, res.Code)
		}
	}
}

func TestCoverageEndpointWithoutChecker(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	router, err := srv.buildRouter("barvault")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet,
		"/api/coverage?universe=sp500&symbol=AAPL&start=2024-01-02&end=2024-03-01", nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.Code)
	}
}

func TestQueryBarsEndpoint(t *testing.T) {
	reader := &fakeBars{bars: []models.Bar{
		{Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Symbol: "AAPL", Close: 185.5},
		{Date: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), Symbol: "AAPL", Close: 186.2},
	}}
	srv := newTestServer(t, nil, reader)

	router, err := srv.buildRouter("barvault")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet,
		"/api/query/bars?symbol=AAPL&start=2024-01-01&end=2024-01-31", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d body: %s", res.Code, res.Body.String())
	}

	var payload struct {
		Symbol string       `json:"symbol"`
		Count  int          `json:"count"`
		Bars   []models.Bar `json:"bars"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode bars payload: %v", err)
	}
	if payload.Symbol != "AAPL" || payload.Count != 2 || len(payload.Bars) != 2 {
		t.Fatalf("unexpected bars payload: %#v", payload)
	}

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/query/bars?symbol=AAPL&start=bad&end=2024-01-31", nil))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("bad date: status = %d, want 400", res.Code)
	}
}

func TestQueryBarsEndpointDisabled(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	router, err := srv.buildRouter("barvault")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet,
		"/api/query/bars?symbol=AAPL&start=2024-01-01&end=2024-01-31", nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.Code)
	}
}

func TestWebsocketStreamsProgress(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	srv.hub.start()

	router, err := srv.buildRouter("barvault")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	httpServer := httptest.NewServer(router)
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	// registration happens on the hub goroutine; wait for it before publishing
	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.connections() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with hub")
		}
		time.Sleep(5 * time.Millisecond)
	}

	progress := fetch.Progress{BatchID: "batch-1", Total: 5, Dispatched: 3, Succeeded: 2, Failed: 1, Rows: 99}
	srv.PublishProgress(progress)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read websocket message: %v", err)
	}

	var event struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		t.Fatalf("decode event envelope: %v", err)
	}
	if event.Type != "progress" {
		t.Fatalf("event type = %q, want progress", event.Type)
	}

	var got fetch.Progress
	if err := json.Unmarshal(event.Data, &got); err != nil {
		t.Fatalf("decode progress payload: %v", err)
	}
	if got != progress {
		t.Fatalf("progress = %#v, want %#v", got, progress)
	}
}
