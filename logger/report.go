package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type componentStat struct {
	warns  int64
	errors int64
}

type streamStat struct {
	frames int64
	bytes  int64
}

var (
	components sync.Map // map[string]*componentStat
	streams    sync.Map // map[string]*streamStat
)

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

// RecordFrame counts one inbound frame of the given size for the named
// stream group (usually the account label, never the rotating key).
func RecordFrame(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	ss := v.(*streamStat)
	atomic.AddInt64(&ss.frames, 1)
	atomic.AddInt64(&ss.bytes, int64(size))
}

// ErrorCount returns the number of errors logged for a component.
func ErrorCount(component string) int64 {
	v, ok := components.Load(component)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&v.(*componentStat).errors)
}

// ResetCounters clears every component and stream counter.
func ResetCounters() {
	components.Range(func(k, _ any) bool {
		components.Delete(k)
		return true
	})
	streams.Range(func(k, _ any) bool {
		streams.Delete(k)
		return true
	})
}

// StartReport begins periodic logging of system, component and stream
// statistics until ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		ss := v.(*streamStat)
		streamData[k.(string)] = map[string]int64{
			"frames": atomic.LoadInt64(&ss.frames),
			"bytes":  atomic.LoadInt64(&ss.bytes),
		}
		return true
	})

	fields := Fields{
		"goroutines": runtime.NumGoroutine(),
		"components": componentData,
		"streams":    streamData,
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(vm.Used) / 1024 / 1024
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
