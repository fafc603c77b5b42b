package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ahutanu/sandbooks.space-sub000/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	// minAnomalySamples is the number of outcomes in the window below which
	// no rate is computed.
	minAnomalySamples = 5
)

// AnomalyDetector tracks the error rate of sandbox operations over a sliding
// window and flags operations whose rate crosses the configured threshold.
// Operations are free-form keys such as "sandbox_docker_create".
type AnomalyDetector struct {
	mu        sync.Mutex
	ops       map[string]*outcomeWindow
	threshold float64
	window    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// outcomeWindow holds the timestamps of recent outcomes of one operation.
type outcomeWindow struct {
	failures  []time.Time
	successes []time.Time
	alertedAt time.Time
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	a := &AnomalyDetector{
		ops:    make(map[string]*outcomeWindow),
		window: defaultAnomalyWindow,
		now:    time.Now,
		logger: logger,
	}
	if cfg != nil {
		a.threshold = cfg.ErrorRateThreshold
		if cfg.WindowSeconds > 0 {
			a.window = time.Duration(cfg.WindowSeconds) * time.Second
		}
	}
	return a
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	a.record(operation, false)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(operation, true)
}

func (a *AnomalyDetector) record(operation string, ok bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w := a.ops[operation]
	if w == nil {
		w = &outcomeWindow{}
		a.ops[operation] = w
	}
	if ok {
		w.successes = append(w.successes, now)
	} else {
		w.failures = append(w.failures, now)
	}
	w.prune(now.Add(-a.window))

	if ok || a.threshold <= 0 {
		return
	}
	rate, total := w.rate()
	if total < minAnomalySamples || rate <= a.threshold {
		return
	}
	w.alertedAt = now
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", total),
		)
	}
}

// ErrorRate returns the failure ratio of operation within the window and
// the number of outcomes it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.ops[operation]
	if w == nil {
		return 0, 0
	}
	w.prune(a.now().Add(-a.window))
	return w.rate()
}

// Alerting reports whether operation crossed the error-rate threshold within
// the current window.
func (a *AnomalyDetector) Alerting(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.ops[operation]
	return w != nil && !w.alertedAt.IsZero() && a.now().Sub(w.alertedAt) < a.window
}

func (w *outcomeWindow) rate() (float64, int) {
	total := len(w.failures) + len(w.successes)
	if total == 0 {
		return 0, 0
	}
	return float64(len(w.failures)) / float64(total), total
}

// prune drops outcomes recorded before cutoff. Entries are in time order.
func (w *outcomeWindow) prune(cutoff time.Time) {
	w.failures = dropBefore(w.failures, cutoff)
	w.successes = dropBefore(w.successes, cutoff)
}

func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
