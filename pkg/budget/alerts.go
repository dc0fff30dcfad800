package budget

import (
	"fmt"
	"sync"

	"github.com/odvcencio/modelrelay/pkg/store"
)

// AlertLevel indicates the severity of a budget alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
	AlertExceeded AlertLevel = "exceeded"
)

// Alert describes one threshold crossing for one tenant limit.
type Alert struct {
	TenantID string
	Level    AlertLevel
	Limit    LimitKind
	Current  float64
	Max      float64
	Percent  float64
}

// AlertCallback receives budget alerts.
type AlertCallback func(alert Alert)

// Notifier evaluates budget thresholds after each recorded execution
// and dispatches alerts. Each (tenant, limit, level) fires at most once
// per window: fired maps that triple to the window it last fired in, so
// rollover re-arms it and stale windows are overwritten rather than
// accumulating.
type Notifier struct {
	mu         sync.Mutex
	thresholds map[AlertLevel]float64
	callbacks  []AlertCallback
	fired      map[string]string
}

// NewNotifier creates a notifier with default thresholds.
func NewNotifier() *Notifier {
	return &Notifier{
		thresholds: map[AlertLevel]float64{
			AlertInfo:     50,
			AlertWarning:  80,
			AlertCritical: 95,
			AlertExceeded: 100,
		},
		fired: make(map[string]string),
	}
}

// OnAlert registers a callback for budget alerts.
func (n *Notifier) OnAlert(cb AlertCallback) {
	if n == nil || cb == nil {
		return
	}
	n.mu.Lock()
	n.callbacks = append(n.callbacks, cb)
	n.mu.Unlock()
}

// Evaluate fires the highest crossed threshold per limit kind.
func (n *Notifier) Evaluate(tenantID string, limits Limits, rec store.Record) {
	if limits.Mode == ModeNone {
		return
	}

	checks := []struct {
		kind    LimitKind
		max     float64
		current float64
		window  string
	}{
		{LimitDailyCost, limits.DailyCostUSD, rec[fieldDailyCost], fmt.Sprintf("%.0f", rec[fieldDailyReset])},
		{LimitMonthlyCost, limits.MonthlyCostUSD, rec[fieldMonthlyCost], fmt.Sprintf("%.0f", rec[fieldMonthlyReset])},
		{LimitDailyTokens, float64(limits.DailyTokens), rec[fieldDailyTokens], fmt.Sprintf("%.0f", rec[fieldDailyReset])},
		{LimitMonthlyTokens, float64(limits.MonthlyTokens), rec[fieldMonthlyTok], fmt.Sprintf("%.0f", rec[fieldMonthlyReset])},
		{LimitDailyExecutions, float64(limits.DailyExecutions), rec[fieldDailyExecs], fmt.Sprintf("%.0f", rec[fieldDailyReset])},
		{LimitMonthlyExecutions, float64(limits.MonthlyExecutions), rec[fieldMonthlyExecs], fmt.Sprintf("%.0f", rec[fieldMonthlyReset])},
	}

	for _, c := range checks {
		if c.max <= 0 {
			continue
		}
		percent := (c.current / c.max) * 100
		level, ok := n.levelFor(percent)
		if !ok {
			continue
		}

		key := fmt.Sprintf("%s|%s|%s", tenantID, c.kind, level)
		n.mu.Lock()
		already := n.fired[key] == c.window
		if !already {
			n.fired[key] = c.window
		}
		callbacks := append([]AlertCallback{}, n.callbacks...)
		n.mu.Unlock()

		if already {
			continue
		}
		alert := Alert{
			TenantID: tenantID,
			Level:    level,
			Limit:    c.kind,
			Current:  c.current,
			Max:      c.max,
			Percent:  percent,
		}
		for _, cb := range callbacks {
			cb(alert)
		}
	}
}

// levelFor returns the highest threshold percent has crossed.
func (n *Notifier) levelFor(percent float64) (AlertLevel, bool) {
	switch {
	case percent >= n.thresholds[AlertExceeded]:
		return AlertExceeded, true
	case percent >= n.thresholds[AlertCritical]:
		return AlertCritical, true
	case percent >= n.thresholds[AlertWarning]:
		return AlertWarning, true
	case percent >= n.thresholds[AlertInfo]:
		return AlertInfo, true
	default:
		return "", false
	}
}
