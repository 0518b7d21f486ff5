// Package monitoring samples process health on a schedule and
// publishes the samples as bus events for any listening surface.
package monitoring

import (
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ollie-app/ollie/events"
)

// SystemMetrics is one scheduled sample of process health.
type SystemMetrics struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64 `json:"heap_sys_bytes"`
	NumGC          uint32 `json:"num_gc"`
	Goroutines     int    `json:"goroutines"`
	ActiveRuns     int    `json:"active_runs"`
	Timestamp      int64  `json:"timestamp"`
}

// RunCounter reports how many generation runs are in flight.
type RunCounter interface {
	ActiveRuns() int
}

// Monitor publishes SystemMetrics events on a cron schedule. Start is
// idempotent; Stop disposes the schedule explicitly instead of
// leaving a sampler running for the process lifetime.
type Monitor struct {
	Bus    *events.Bus
	Runs   RunCounter
	Logger *log.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewMonitor wires a monitor over the bus. runs may be nil when no
// runner is attached.
func NewMonitor(bus *events.Bus, runs RunCounter) *Monitor {
	return &Monitor{
		Bus:    bus,
		Runs:   runs,
		Logger: log.New(os.Stdout, "[MONITOR] ", log.LstdFlags),
	}
}

// Start begins sampling on the given cron spec, for example
// "@every 2s". Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return nil
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(spec, m.sample); err != nil {
		return err
	}
	c.Start()
	m.cron = c
	m.Logger.Printf("Monitoring started (%s)", spec)
	return nil
}

// Stop halts sampling and waits for an in-flight sample to finish.
// Safe to call on a stopped monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.Logger.Printf("Monitoring stopped")
}

// Running reports whether the sampler is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cron != nil
}

// Sample collects one metrics snapshot without publishing it.
func (m *Monitor) Sample() SystemMetrics {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	metrics := SystemMetrics{
		HeapAllocBytes: stats.HeapAlloc,
		HeapSysBytes:   stats.HeapSys,
		NumGC:          stats.NumGC,
		Goroutines:     runtime.NumGoroutine(),
		Timestamp:      time.Now().Unix(),
	}
	if m.Runs != nil {
		metrics.ActiveRuns = m.Runs.ActiveRuns()
	}
	return metrics
}

func (m *Monitor) sample() {
	m.Bus.Publish(events.Event{
		Type:    events.TypeSystemMetrics,
		Payload: m.Sample(),
	})
}
