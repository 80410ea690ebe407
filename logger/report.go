package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentTally struct {
	warns  int64
	errors int64
}

var componentTallies sync.Map // map[string]*componentTally

func recordWarn(component string) {
	v, _ := componentTallies.LoadOrStore(component, &componentTally{})
	atomic.AddInt64(&v.(*componentTally).warns, 1)
}

func recordError(component string) {
	v, _ := componentTallies.LoadOrStore(component, &componentTally{})
	atomic.AddInt64(&v.(*componentTally).errors, 1)
}

// CountersFunc supplies the application counters included in the periodic
// runtime report. The logger package stays decoupled from where those
// counters live.
type CountersFunc func() map[string]int64

// StartReport begins periodic logging of system, component and application
// statistics, publishing them to CloudWatch when the client is configured.
func StartReport(ctx context.Context, log *Log, interval time.Duration, counters CountersFunc) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log, counters)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log, counters CountersFunc) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

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

	tallies := map[string]map[string]int64{}
	componentTallies.Range(func(k, v any) bool {
		t := v.(*componentTally)
		tallies[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&t.warns),
			"errors": atomic.LoadInt64(&t.errors),
		}
		return true
	})

	fields := Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"components":     tallies,
	}

	var appCounters map[string]int64
	if counters != nil {
		appCounters = counters()
		for name, value := range appCounters {
			fields[name] = value
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}
	for name, value := range appCounters {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(value)),
		})
	}
	for component, t := range tallies {
		dims := []cwtypes.Dimension{{Name: aws.String("Component"), Value: aws.String(component)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("Warns"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(t["warns"]))},
			cwtypes.MetricDatum{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(t["errors"]))},
		)
	}

	publishMetrics(ctx, data)
}
