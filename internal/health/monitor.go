package health

import (
	"container/ring"
	"context"
	"sync"
	"time"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
)

type namedCheck struct {
	name string
	fn   CheckFunc
}

type namedRecovery struct {
	name string
	fn   RecoveryFunc
}

// Monitor runs registered checks on a ticker, alerts on non-Healthy
// reports (rate-limited per check and message), and offers a bounded
// self-healer for Critical checks. container/ring backs the alert history the way a fixed-size
// circular buffer would in the original device-side monitor.
type Monitor struct {
	mu sync.Mutex

	checks     []namedCheck
	recoveries []namedRecovery
	lastStatus map[string]Status

	alertRing   *ring.Ring
	alertCap    int
	cooldown    time.Duration
	lastAlertAt map[string]time.Time

	alertCallbacks []func(Alert)
	reporter       Reporter
	logger         *log.Logger
}

type Options struct {
	AlertCooldown time.Duration
	AlertBufferCap int
}

func NewMonitor(logger *log.Logger, opts Options) *Monitor {
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = 5 * time.Minute
	}
	if opts.AlertBufferCap <= 0 {
		opts.AlertBufferCap = 100
	}
	return &Monitor{
		lastStatus:  map[string]Status{},
		alertRing:   ring.New(opts.AlertBufferCap),
		alertCap:    opts.AlertBufferCap,
		cooldown:    opts.AlertCooldown,
		lastAlertAt: map[string]time.Time{},
		logger:      logger,
	}
}

func (m *Monitor) RegisterHealthCheck(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, namedCheck{name, fn})
}

// RegisterRecovery attaches a self-healer that runs once whenever the
// named check reports Critical on a tick, at most once per tick.
func (m *Monitor) RegisterRecovery(name string, fn RecoveryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveries = append(m.recoveries, namedRecovery{name, fn})
}

func (m *Monitor) RegisterAlertCallback(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertCallbacks = append(m.alertCallbacks, fn)
}

// SetReporter attaches a metrics sink fed every tick's reports. Optional.
func (m *Monitor) SetReporter(r Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporter = r
}

// RunOnce executes every registered check and returns the aggregate
// status (the worst of all individual reports) plus each report.
func (m *Monitor) RunOnce() (Status, []Report) {
	m.mu.Lock()
	checks := append([]namedCheck{}, m.checks...)
	recoveries := append([]namedRecovery{}, m.recoveries...)
	m.mu.Unlock()

	reports := make([]Report, 0, len(checks))
	overall := Healthy

	for _, c := range checks {
		r := c.fn()
		r.Name = c.name
		reports = append(reports, r)
		overall = worse(overall, r.Status)
		m.maybeAlert(c.name, r)

		if r.Status == Critical {
			for _, rec := range recoveries {
				if rec.name != c.name {
					continue
				}
				if err := rec.fn(); err != nil {
					m.logger.Errorw("self-heal recovery failed", "check", c.name, "error", err)
				} else {
					m.logger.Warnw("self-heal recovery ran", "check", c.name)
				}
				break
			}
		}
	}
	return overall, reports
}

// maybeAlert fires whenever a check is not Healthy, rate-limited per
// (component, message) key by cooldown — a persistent condition keeps
// alerting every cooldown interval rather than only on its first
// transition into a bad status.
func (m *Monitor) maybeAlert(name string, r Report) {
	m.mu.Lock()
	m.lastStatus[name] = r.Status
	key := name + "\x00" + r.Message
	var fire bool
	if r.Status != Healthy {
		last, ok := m.lastAlertAt[key]
		if !ok || time.Since(last) >= m.cooldown {
			m.lastAlertAt[key] = time.Now()
			fire = true
		}
	}
	var alert Alert
	if fire {
		alert = Alert{Time: time.Now(), Check: name, Status: r.Status, Message: r.Message}
		m.alertRing.Value = alert
		m.alertRing = m.alertRing.Next()
	}
	callbacks := append([]func(Alert){}, m.alertCallbacks...)
	m.mu.Unlock()

	if fire {
		for _, cb := range callbacks {
			cb(alert)
		}
	}
}

// RecentAlerts returns up to the buffer's capacity of past alerts,
// oldest first.
func (m *Monitor) RecentAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	alerts := make([]Alert, 0, m.alertCap)
	m.alertRing.Do(func(v any) {
		if v == nil {
			return
		}
		alerts = append(alerts, v.(Alert))
	})
	return alerts
}

// Run ticks RunOnce at interval until ctx is done. Callers typically run
// this in its own goroutine.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopping")
			return
		case <-ticker.C:
			status, reports := m.RunOnce()
			m.mu.Lock()
			reporter := m.reporter
			m.mu.Unlock()
			if reporter != nil {
				reporter.ObserveHealthReports(reports)
			}
			if status != Healthy {
				for _, r := range reports {
					if r.Status != Healthy {
						m.logger.Warnw("health check degraded", "check", r.Name, "status", r.Status, "message", r.Message)
					}
				}
			}
		}
	}
}
