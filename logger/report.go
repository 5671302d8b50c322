package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type streamStat struct {
	messages   int64
	bytes      int64
	reconnects int64
	warns      int64
	errors     int64
}

// StreamCounters is a point-in-time copy of one stream's counters.
type StreamCounters struct {
	Messages   int64
	Bytes      int64
	Reconnects int64
	Warns      int64
	Errors     int64
}

var streams sync.Map // map[string]*streamStat

func statFor(stream string) *streamStat {
	v, _ := streams.LoadOrStore(stream, &streamStat{})
	return v.(*streamStat)
}

func recordWarn(stream string) {
	atomic.AddInt64(&statFor(stream).warns, 1)
}

func recordError(stream string) {
	atomic.AddInt64(&statFor(stream).errors, 1)
}

// IncrementStreamMessage counts one parsed inbound frame of the given size.
func IncrementStreamMessage(stream string, size int) {
	cs := statFor(stream)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// IncrementReconnect counts one reconnect attempt of a stream.
func IncrementReconnect(stream string) {
	atomic.AddInt64(&statFor(stream).reconnects, 1)
}

// StreamStats returns the counters recorded for a stream so far.
func StreamStats(stream string) StreamCounters {
	cs := statFor(stream)
	return StreamCounters{
		Messages:   atomic.LoadInt64(&cs.messages),
		Bytes:      atomic.LoadInt64(&cs.bytes),
		Reconnects: atomic.LoadInt64(&cs.reconnects),
		Warns:      atomic.LoadInt64(&cs.warns),
		Errors:     atomic.LoadInt64(&cs.errors),
	}
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memUsed := uint64(0)
	if memStats != nil {
		memUsed = memStats.Used
	}
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesRecv = netStats[0].BytesRecv
	}

	streamData := map[string]StreamCounters{}
	streams.Range(func(k, _ any) bool {
		name := k.(string)
		streamData[name] = StreamStats(name)
		return true
	})

	log.WithComponent("report").WithFields(Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed) / 1024 / 1024,
		"net_bytes_recv": int64(bytesRecv),
		"streams":        streamData,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
	}
	for name, st := range streamData {
		dims := []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("StreamMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(st.Messages))},
			cwtypes.MetricDatum{MetricName: aws.String("StreamReconnects"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(st.Reconnects))},
		)
	}
	publishMetrics(ctx, data)
}
