package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type flowStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFetch    int64
	errorsStore    int64
	warnsFetch     int64
	warnsStore     int64
	providerCalls  int64
	barsFetched    int64
	rowsWritten    int64
	storeConflicts int64
	mirrorUploads  int64
	flows          sync.Map // map[string]*flowStat
)

func recordWarn(component string) {
	if strings.Contains(component, "provider") || strings.Contains(component, "fetch") {
		atomic.AddInt64(&warnsFetch, 1)
	} else if strings.Contains(component, "store") || strings.Contains(component, "mirror") {
		atomic.AddInt64(&warnsStore, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "provider") || strings.Contains(component, "fetch") {
		atomic.AddInt64(&errorsFetch, 1)
	} else if strings.Contains(component, "store") || strings.Contains(component, "mirror") {
		atomic.AddInt64(&errorsStore, 1)
	}
}

// IncrementProviderCall records one provider request and the bars it returned.
func IncrementProviderCall(exchange string, bars int) {
	atomic.AddInt64(&providerCalls, 1)
	atomic.AddInt64(&barsFetched, int64(bars))
	recordFlow("provider_"+exchange, bars)
}

// IncrementRowsWritten records rows durably merged into the archive.
func IncrementRowsWritten(rows int, bytes int64) {
	atomic.AddInt64(&rowsWritten, int64(rows))
	recordFlow("partition_write", int(bytes))
}

// IncrementStoreConflict records a detected concurrent-writer conflict.
func IncrementStoreConflict() {
	atomic.AddInt64(&storeConflicts, 1)
}

// IncrementMirrorUpload records one partition mirrored to S3.
func IncrementMirrorUpload(size int64) {
	atomic.AddInt64(&mirrorUploads, 1)
	recordFlow("s3_mirror", int(size))
}

// RecordFlowMessage lets other packages account messages on a named flow.
func RecordFlowMessage(name string, size int) {
	recordFlow(name, size)
}

func recordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and flow statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	flowData := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		name := k.(string)
		fs := v.(*flowStat)
		flowData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&fs.messages),
			"bytes":    atomic.LoadInt64(&fs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_fetch":    atomic.LoadInt64(&errorsFetch),
		"errors_store":    atomic.LoadInt64(&errorsStore),
		"warns_fetch":     atomic.LoadInt64(&warnsFetch),
		"warns_store":     atomic.LoadInt64(&warnsStore),
		"provider_calls":  atomic.LoadInt64(&providerCalls),
		"bars_fetched":    atomic.LoadInt64(&barsFetched),
		"rows_written":    atomic.LoadInt64(&rowsWritten),
		"store_conflicts": atomic.LoadInt64(&storeConflicts),
		"mirror_uploads":  atomic.LoadInt64(&mirrorUploads),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"flows":           flowData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("FetchErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StoreErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_store"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FetchWarns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StoreWarns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_store"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ProviderCalls"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["provider_calls"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BarsFetched"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["bars_fetched"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RowsWritten"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rows_written"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StoreConflicts"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["store_conflicts"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("MirrorUploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["mirror_uploads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range flowData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("FlowMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("FlowBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
