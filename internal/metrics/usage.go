package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is the latest resource sample of one child.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// Target identifies a live child to sample.
type Target struct {
	App string
	PID int32
}

// UsageConfig holds configuration for usage sampling.
type UsageConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

const DefaultUsageInterval = 5 * time.Second

// UsageCollector periodically samples CPU and memory of supervised children.
type UsageCollector struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]Usage // instance -> sample
	apps   map[string]string
	procs  map[int32]*process.Process // kept between ticks so CPUPercent has a baseline

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewUsageCollector(cfg UsageConfig) *UsageCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultUsageInterval
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "appvisor",
			Subsystem: "instance",
			Name:      name,
			Help:      help,
		}, []string{"app", "instance"})
	}
	return &UsageCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		latest:     make(map[string]Usage),
		apps:       make(map[string]string),
		procs:      make(map[int32]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage of the instance in percent."),
		memoryMB:   gauge("memory_mb", "Resident memory of the instance in MB."),
		numThreads: gauge("num_threads", "Number of threads of the instance."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the instance (Unix only)."),
	}
}

func (c *UsageCollector) Enabled() bool { return c != nil && c.enabled }

// RegisterMetrics registers the usage gauges with the provided registerer.
func (c *UsageCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.Enabled() {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples targets() every interval until ctx is done or Stop is called.
func (c *UsageCollector) Start(ctx context.Context, targets func() map[string]Target) {
	if !c.Enabled() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(targets())
			}
		}
	}()
}

func (c *UsageCollector) Stop() {
	if !c.Enabled() {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every target and drops state for vanished ones.
func (c *UsageCollector) Collect(targets map[string]Target) {
	now := time.Now()
	samples := make(map[string]Usage, len(targets))
	for instance, tg := range targets {
		if tg.PID <= 0 {
			continue
		}
		u, err := c.sample(tg.PID, now)
		if err != nil {
			slog.Debug("sample usage", "instance", instance, "pid", tg.PID, "error", err)
			continue
		}
		samples[instance] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for instance, u := range samples {
		app := targets[instance].App
		c.latest[instance] = u
		c.apps[instance] = app
		c.cpuPercent.WithLabelValues(app, instance).Set(u.CPUPercent)
		c.memoryMB.WithLabelValues(app, instance).Set(u.MemoryMB)
		c.numThreads.WithLabelValues(app, instance).Set(float64(u.NumThreads))
		if runtime.GOOS != "windows" && u.NumFDs > 0 {
			c.numFDs.WithLabelValues(app, instance).Set(float64(u.NumFDs))
		}
	}
	for instance, app := range c.apps {
		if _, ok := samples[instance]; ok {
			continue
		}
		delete(c.latest, instance)
		delete(c.apps, instance)
		c.cpuPercent.DeleteLabelValues(app, instance)
		c.memoryMB.DeleteLabelValues(app, instance)
		c.numThreads.DeleteLabelValues(app, instance)
		c.numFDs.DeleteLabelValues(app, instance)
	}
	live := make(map[int32]bool, len(targets))
	for _, tg := range targets {
		live[tg.PID] = true
	}
	for pid := range c.procs {
		if !live[pid] {
			delete(c.procs, pid)
		}
	}
}

func (c *UsageCollector) sample(pid int32, ts time.Time) (Usage, error) {
	c.mu.Lock()
	proc, ok := c.procs[pid]
	if !ok {
		var err error
		proc, err = process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		c.procs[pid] = proc
	}
	c.mu.Unlock()

	cpu, err := proc.Percent(0)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	u := Usage{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			u.NumFDs = fds
		}
	}
	return u, nil
}

// Latest returns the most recent sample of instance.
func (c *UsageCollector) Latest(instance string) (Usage, bool) {
	if c == nil {
		return Usage{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[instance]
	return u, ok
}
