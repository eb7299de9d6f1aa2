package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ProcessMemory reports resident and virtual memory of this process.
// Labels: kind (rss/vms)
var ProcessMemory = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "posevol_process_memory_bytes",
		Help: "Memory held by the posevol process",
	},
	[]string{"kind"},
)

// ResourceMonitor samples process resources since its creation
type ResourceMonitor struct {
	process      *process.Process
	startCPUTime float64
	startTime    time.Time
	peakRSS      uint64
	mu           sync.Mutex
}

// ResourceUsage is one sample of a ResourceMonitor
type ResourceUsage struct {
	CPUPercent            float64
	MemoryRSS             uint64
	MemoryVMS             uint64
	PeakRSS               uint64
	SystemMemoryAvailable uint64
	GoroutineCount        int
	ThreadCount           int32
}

// NewResourceMonitor starts monitoring the current process
func NewResourceMonitor() (*ResourceMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return nil, err
	}
	rm := &ResourceMonitor{process: proc, startTime: time.Now()}
	if t, err := proc.Times(); err == nil {
		rm.startCPUTime = t.Total()
	}
	return rm, nil
}

// Sample reads current usage and updates ProcessMemory
func (rm *ResourceMonitor) Sample() ResourceUsage {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	usage := ResourceUsage{GoroutineCount: runtime.NumGoroutine()}
	if t, err := rm.process.Times(); err == nil {
		if elapsed := time.Since(rm.startTime).Seconds(); elapsed > 0 {
			usage.CPUPercent = (t.Total() - rm.startCPUTime) / elapsed * 100
		}
	}
	if m, err := rm.process.MemoryInfo(); err == nil {
		usage.MemoryRSS = m.RSS
		usage.MemoryVMS = m.VMS
		rm.peakRSS = max(rm.peakRSS, m.RSS)
		ProcessMemory.WithLabelValues("rss").Set(float64(m.RSS))
		ProcessMemory.WithLabelValues("vms").Set(float64(m.VMS))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		usage.SystemMemoryAvailable = vm.Available
	}
	usage.ThreadCount, _ = rm.process.NumThreads()
	usage.PeakRSS = rm.peakRSS
	return usage
}

// Fields renders usage as log fields
func (u ResourceUsage) Fields() []zap.Field {
	return []zap.Field{
		zap.Float64("cpu_percent", u.CPUPercent),
		zap.Uint64("rss_bytes", u.MemoryRSS),
		zap.Uint64("peak_rss_bytes", u.PeakRSS),
		zap.Uint64("system_available_bytes", u.SystemMemoryAvailable),
		zap.Int("goroutines", u.GoroutineCount),
		zap.Int32("threads", u.ThreadCount),
	}
}
