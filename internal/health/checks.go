package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/broker"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/delivery"
)

// DeliveryCheck implements the delivery threshold formula against the
// worker's rolling counters: consecutive_failures > 10 -> Critical;
// success_rate < 50 -> Unhealthy; success_rate < 90 or pending > 1000 ->
// Degraded; else Healthy.
func DeliveryCheck(w *delivery.Worker) CheckFunc {
	return func() Report {
		stats := w.Stats(context.Background())
		details := map[string]any{
			"consecutive_failures": stats.ConsecutiveFailures,
			"success_rate":         stats.SuccessRate,
			"pending":              stats.Pending,
		}
		switch {
		case stats.ConsecutiveFailures > 10:
			return Report{Status: Critical, Message: fmt.Sprintf("%d consecutive delivery failures", stats.ConsecutiveFailures), Details: details}
		case stats.SuccessRate < 50:
			return Report{Status: Unhealthy, Message: fmt.Sprintf("delivery success rate %.1f%%", stats.SuccessRate), Details: details}
		case stats.SuccessRate < 90 || stats.Pending > 1000:
			return Report{Status: Degraded, Message: fmt.Sprintf("success rate %.1f%%, %d pending", stats.SuccessRate, stats.Pending), Details: details}
		default:
			return Report{Status: Healthy, Message: "delivery nominal", Details: details}
		}
	}
}

// BrokerCheck reports Unhealthy while the store-write breaker is open,
// Degraded when queue_pending is within 10% of max_queue_size (eviction
// imminent), and Degraded when the dead-letter queue is accumulating, which
// signals deliveries are failing out entirely rather than merely slowly.
func BrokerCheck(b *broker.Broker) CheckFunc {
	return func() Report {
		snap := b.Stats(context.Background())
		details := map[string]any{
			"queue_pending":     snap.QueuePending,
			"in_flight":         snap.InFlight,
			"dead_letter_queue": snap.DeadLetterQueue,
			"store_breaker_open": b.StoreBreakerOpen(),
		}
		if b.StoreBreakerOpen() {
			return Report{Status: Unhealthy, Message: "store write breaker is open", Details: details}
		}
		if limit := b.MaxQueueSize(); limit > 0 && snap.QueuePending*10 >= limit*9 {
			return Report{Status: Degraded, Message: "queue within 10% of capacity", Details: details}
		}
		if snap.DeadLetterQueue > 0 && snap.DeadLetterQueue > snap.QueuePending {
			return Report{Status: Degraded, Message: "dead letter queue exceeds live queue", Details: details}
		}
		return Report{Status: Healthy, Message: "broker nominal", Details: details}
	}
}

// ResourceThresholds configures SystemResourceCheck. Zero values fall
// back to the 90%/90%/90%/80C defaults named by the built-in system
// checks: CPU/mem/disk above their percent threshold reports Degraded,
// temperature above its Celsius threshold also reports Degraded (the
// monitor's own alerting path is what actually carries "Warning"
// severity downstream).
type ResourceThresholds struct {
	MaxCPUPercent  float64
	MaxMemPercent  float64
	MaxDiskPercent float64
	MaxTempC       float64
	DiskPath       string
}

// cpuSample is one reading of the aggregate "cpu" line in /proc/stat, in
// USER_HZ jiffies. cpuPercent below diffs two samples to get a percentage
// over the interval between health-check ticks, the same windowed
// approach psutil's cpu_percent(interval=None) takes internally.
type cpuSample struct {
	idle, total uint64
}

func readCPUSample() (cpuSample, error) {
	raw, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuSample{}, err
	}
	line := strings.SplitN(string(raw), "\n", 2)[0]
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuSample{}, fmt.Errorf("unexpected /proc/stat format")
	}
	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 || i == 4 { // idle, iowait
			idle += v
		}
	}
	return cpuSample{idle: idle, total: total}, nil
}

func memPercent() (float64, error) {
	raw, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	vals := map[string]uint64{}
	for _, line := range strings.Split(string(raw), "\n") {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		key := strings.TrimSuffix(parts[0], ":")
		if key != "MemTotal" && key != "MemAvailable" {
			continue
		}
		v, err := strconv.ParseUint(parts[1], 10, 64)
		if err == nil {
			vals[key] = v
		}
	}
	total, ok := vals["MemTotal"]
	if !ok || total == 0 {
		return 0, fmt.Errorf("MemTotal not found")
	}
	avail := vals["MemAvailable"]
	used := total - avail
	return (float64(used) / float64(total)) * 100.0, nil
}

func diskPercent(path string) (float64, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0, err
	}
	if fs.Blocks == 0 {
		return 0, fmt.Errorf("statfs reported zero blocks")
	}
	used := fs.Blocks - fs.Bavail
	return (float64(used) / float64(fs.Blocks)) * 100.0, nil
}

// thermalZoneGlob matches the Linux thermal sysfs interface every
// ARM SBC (including the Raspberry Pi this device targets) exposes.
const thermalZoneGlob = "/sys/class/thermal/thermal_zone*/temp"

func maxTemperatureC() (float64, bool) {
	paths, _ := filepath.Glob(thermalZoneGlob)
	var max float64
	found := false
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			continue
		}
		c := float64(milli) / 1000.0
		if !found || c > max {
			max = c
			found = true
		}
	}
	return max, found
}

// SystemResourceCheck samples CPU%, memory%, disk%, and sensor
// temperature the way the original device-side monitor's psutil-backed
// check does (cpu_percent/virtual_memory/disk_usage/sensors_temperatures),
// reimplemented against /proc and sysfs since no example repo in the
// pack wires a psutil-equivalent Go library.
func SystemResourceCheck(t ResourceThresholds) CheckFunc {
	if t.DiskPath == "" {
		t.DiskPath = "/"
	}
	if t.MaxCPUPercent <= 0 {
		t.MaxCPUPercent = 90
	}
	if t.MaxMemPercent <= 0 {
		t.MaxMemPercent = 90
	}
	if t.MaxDiskPercent <= 0 {
		t.MaxDiskPercent = 90
	}
	if t.MaxTempC <= 0 {
		t.MaxTempC = 80
	}

	var mu sync.Mutex
	var prevCPU cpuSample
	haveCPU := false

	return func() Report {
		details := map[string]any{}
		status := Healthy
		var msgs []string

		mu.Lock()
		sample, err := readCPUSample()
		var cpuPct float64
		cpuOK := false
		if err == nil {
			if haveCPU {
				dIdle := float64(sample.idle - prevCPU.idle)
				dTotal := float64(sample.total - prevCPU.total)
				if dTotal > 0 {
					cpuPct = (1 - dIdle/dTotal) * 100.0
				}
				cpuOK = true
			}
			prevCPU = sample
			haveCPU = true
		}
		mu.Unlock()

		if cpuOK {
			details["cpu_percent"] = cpuPct
			if cpuPct > t.MaxCPUPercent {
				status = worse(status, Degraded)
				msgs = append(msgs, fmt.Sprintf("cpu %.1f%% > %.0f%%", cpuPct, t.MaxCPUPercent))
			}
		}

		if pct, err := memPercent(); err == nil {
			details["mem_percent"] = pct
			if pct > t.MaxMemPercent {
				status = worse(status, Degraded)
				msgs = append(msgs, fmt.Sprintf("mem %.1f%% > %.0f%%", pct, t.MaxMemPercent))
			}
		}

		if pct, err := diskPercent(t.DiskPath); err == nil {
			details["disk_percent"] = pct
			if pct > t.MaxDiskPercent {
				status = worse(status, Degraded)
				msgs = append(msgs, fmt.Sprintf("disk %.1f%% > %.0f%%", pct, t.MaxDiskPercent))
			}
		}

		if c, ok := maxTemperatureC(); ok {
			details["temp_c"] = c
			if c > t.MaxTempC {
				status = worse(status, Degraded)
				msgs = append(msgs, fmt.Sprintf("temp %.1fC > %.0fC", c, t.MaxTempC))
			}
		}

		msg := "resources nominal"
		if len(msgs) > 0 {
			msg = strings.Join(msgs, "; ")
		}
		return Report{Status: status, Message: msg, Details: details}
	}
}
