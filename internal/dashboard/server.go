// Package dashboard hosts the optional monitoring UI for barvault: bounded
// in-memory stores for recent metrics and logs, a host resource sampler, a
// websocket hub streaming batch progress, and read-only endpoints over the
// coverage checker and query service.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	appconfig "barvault/config"
	"barvault/internal/fetch"
	"barvault/internal/metrics"
	"barvault/internal/models"
	"barvault/logger"
)

const samplerInterval = 5 * time.Second

// CoverageChecker answers live coverage questions for the coverage endpoint.
type CoverageChecker interface {
	Check(ctx context.Context, req models.CoverageRequest) (models.CoverageResult, error)
}

// BarReader serves stored bars for the query endpoint. Nil when the query
// service is disabled.
type BarReader interface {
	Bars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error)
}

// Server hosts the Gin-powered monitoring dashboard.
type Server struct {
	cfg           *appconfig.Config
	listen        string
	log           *logger.Log
	metricStore   *metricStore
	logStore      *logStore
	reports       *reportStore
	metricHandler metrics.MetricHandlerID
	sampler       *resourceSampler
	hub           *hub
	checker       CoverageChecker
	bars          BarReader
	httpServer    *http.Server
}

// NewServer constructs a dashboard server when the dashboard is enabled.
// When it is disabled the returned server is nil; every method on a nil
// server is a no-op.
func NewServer(cfg *appconfig.Config, log *logger.Log, checker CoverageChecker, bars BarReader) (*Server, error) {
	if !cfg.Dashboard.Enabled {
		return nil, nil
	}

	history := cfg.Dashboard.History
	if history <= 0 {
		history = 200
	}

	metricStore := newMetricStore(history)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(history)
	log.AddHook(logStore)

	server := &Server{
		cfg:           cfg,
		listen:        normalizeAddress(cfg.Dashboard.Listen),
		log:           log,
		metricStore:   metricStore,
		logStore:      logStore,
		reports:       &reportStore{},
		metricHandler: handlerID,
		sampler:       newResourceSampler(history, samplerInterval, cfg.Archive.Root, log),
		hub:           newHub(log),
		checker:       checker,
		bars:          bars,
	}

	return server, nil
}

// Run starts the dashboard HTTP server and blocks until the provided context
// is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.hub.start()
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.listen,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"listen": s.listen}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.sampler != nil {
		s.sampler.stop()
	}
	if s.hub != nil {
		s.hub.stop()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.listen
}

// PublishProgress streams a batch progress event to connected websocket
// clients. Safe to call on a nil server.
func (s *Server) PublishProgress(progress fetch.Progress) {
	if s == nil {
		return
	}
	s.hub.publish("progress", progress)
}

// SetReport records the finished batch for the report endpoint and announces
// it to websocket clients. Safe to call on a nil server.
func (s *Server) SetReport(report models.BatchReport) {
	if s == nil {
		return
	}
	s.reports.update(report)
	s.hub.publish("report", report)
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	tmpl := template.Must(template.New("index").Parse(indexPage))
	router.SetHTMLTemplate(tmpl)

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index", gin.H{
			"AppName":           appName,
			"RefreshIntervalMs": int(samplerInterval / time.Millisecond),
		})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.sampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"disk_used":      snap.DiskUsed,
				"disk_total":     snap.DiskTotal,
				"disk_percent":   snap.DiskPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	router.GET("/api/report", func(c *gin.Context) {
		report, ok := s.reports.last()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no batch has finished yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": report})
	})

	router.GET("/api/coverage", func(c *gin.Context) {
		if s.checker == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coverage checker unavailable"})
			return
		}
		req, err := s.coverageRequestFromQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := s.checker.Check(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"coverage": result})
	})

	router.GET("/api/query/bars", func(c *gin.Context) {
		if s.bars == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "query service disabled"})
			return
		}
		symbol := strings.TrimSpace(c.Query("symbol"))
		if symbol == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
			return
		}
		start, err := parseDateParam(c.Query("start"), "start")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		end, err := parseDateParam(c.Query("end"), "end")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		bars, err := s.bars.Bars(c.Request.Context(), symbol, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "count": len(bars), "bars": bars})
	})

	router.GET("/ws", func(c *gin.Context) {
		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.log.WithComponent("dashboard").WithError(err).Debug("websocket upgrade failed")
			return
		}
		s.hub.add(conn)
	})

	return router, nil
}

func (s *Server) coverageRequestFromQuery(c *gin.Context) (models.CoverageRequest, error) {
	var req models.CoverageRequest

	req.Universe = strings.TrimSpace(c.Query("universe"))
	if req.Universe == "" {
		return req, errors.New("universe is required")
	}
	req.Symbol = strings.TrimSpace(c.Query("symbol"))
	if req.Symbol == "" {
		return req, errors.New("symbol is required")
	}

	start, err := parseDateParam(c.Query("start"), "start")
	if err != nil {
		return req, err
	}
	end, err := parseDateParam(c.Query("end"), "end")
	if err != nil {
		return req, err
	}
	req.Start = start
	req.End = end

	freqStr := strings.TrimSpace(c.Query("freq"))
	if freqStr == "" {
		freqStr = s.cfg.Fetch.Frequency
	}
	freq, err := models.ParseFrequency(freqStr)
	if err != nil {
		return req, err
	}
	req.Frequency = freq

	return req, nil
}

func parseDateParam(value, name string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD: %w", name, err)
	}
	return parsed, nil
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// operator-facing dashboard, typically bound to localhost
	CheckOrigin: func(*http.Request) bool { return true },
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}

const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.AppName}} dashboard</title>
<style>
body { font-family: monospace; margin: 2em; background: #111; color: #ddd; }
h1 { font-size: 1.2em; }
h2 { font-size: 1em; border-bottom: 1px solid #444; padding-bottom: 0.2em; }
pre { background: #1a1a1a; padding: 0.8em; overflow-x: auto; }
#progress { color: #8c8; }
</style>
</head>
<body>
<h1>{{.AppName}}</h1>
<h2>batch progress</h2>
<pre id="progress">waiting for events...</pre>
<h2>last report</h2>
<pre id="report">n/a</pre>
<h2>resources</h2>
<pre id="resources">n/a</pre>
<script>
var refreshMs = {{.RefreshIntervalMs}};

function render(id, url) {
  fetch(url).then(function (r) { return r.json(); }).then(function (data) {
    document.getElementById(id).textContent = JSON.stringify(data, null, 2);
  }).catch(function () {});
}

function refresh() {
  render('report', '/api/report');
  render('resources', '/api/resources');
}

refresh();
setInterval(refresh, refreshMs);

var proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
var ws = new WebSocket(proto + location.host + '/ws');
ws.onmessage = function (ev) {
  document.getElementById('progress').textContent = ev.data;
};
</script>
</body>
</html>
`
