package logger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	batchesFlushed int64
	rowsWritten    int64
	apiCalls       int64
)

// RecordBatchFlushed increments the ambient batches-flushed counter. It is
// intentionally separate from the Error Tracker (internal/errtrack): this is
// a process-health signal, not a domain error classification.
func RecordBatchFlushed(rows int) {
	atomic.AddInt64(&batchesFlushed, 1)
	atomic.AddInt64(&rowsWritten, int64(rows))
}

// RecordAPICall increments the ambient outbound-call counter.
func RecordAPICall() {
	atomic.AddInt64(&apiCalls, 1)
}

// StartReport logs host and throughput metrics on the given interval until
// ctx is cancelled. It never blocks ingestion: a host metric that cannot be
// sampled is left out of that report, never retried against the hot path.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emitReport(log)
			}
		}
	}()
}

func emitReport(log *Log) {
	entry := log.WithComponent("report")

	fields := Fields{
		"batches_flushed": atomic.LoadInt64(&batchesFlushed),
		"rows_written":    atomic.LoadInt64(&rowsWritten),
		"api_calls":       atomic.LoadInt64(&apiCalls),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["mem_used_percent"] = vm.UsedPercent
	}
	if du, err := disk.Usage("."); err == nil {
		fields["disk_used_percent"] = du.UsedPercent
	}

	entry.WithFields(fields).Info("process report")
}
