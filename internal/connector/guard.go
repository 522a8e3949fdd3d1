package connector

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/logging"
)

const maxGuardReports = 1000

// ReportType classifies an anomaly report.
type ReportType string

const (
	ReportQuality    ReportType = "quality"
	ReportSync       ReportType = "sync"
	ReportValidation ReportType = "validation"
	ReportRule       ReportType = "rule"
	ReportSystem     ReportType = "system"
)

// Severity tags a report's urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Report is one anomaly entry in the guard log.
type Report struct {
	Type      ReportType     `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ReportFilter selects reports for retrieval. Zero values match everything;
// Limit <= 0 means no limit.
type ReportFilter struct {
	Type     ReportType
	Severity Severity
	Limit    int
}

// GuardStats aggregates the report log.
type GuardStats struct {
	Total      int                `json:"total"`
	ByType     map[ReportType]int `json:"by_type"`
	BySeverity map[Severity]int   `json:"by_severity"`
	LastHour   int                `json:"last_hour"`
}

// Guard is the anomaly-reporting sink: an append-only bounded report log
// (FIFO eviction at 1000 entries) with filtered retrieval and aggregate
// stats. It is a terminal sink; it does not publish back onto the bus.
type Guard struct {
	mu      sync.RWMutex
	reports []Report
	log     zerolog.Logger
}

// NewGuard creates an empty guard sink.
func NewGuard() *Guard {
	return &Guard{log: logging.WithComponent("guard")}
}

// ModuleName implements registry.Module.
func (g *Guard) ModuleName() string { return "anomaly guard" }

// Report appends one anomaly entry, evicting the oldest beyond capacity.
func (g *Guard) Report(reportType ReportType, severity Severity, message string, details map[string]any) {
	entry := Report{
		Type:      reportType,
		Severity:  severity,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}

	g.mu.Lock()
	g.reports = append(g.reports, entry)
	if len(g.reports) > maxGuardReports {
		g.reports = g.reports[len(g.reports)-maxGuardReports:]
	}
	g.mu.Unlock()

	g.log.Debug().
		Str("type", string(reportType)).
		Str("severity", string(severity)).
		Msg(message)
}

// Reports returns log entries matching the filter, oldest first.
func (g *Guard) Reports(filter ReportFilter) []Report {
	g.mu.RLock()
	defer g.mu.RUnlock()

	matched := make([]Report, 0, len(g.reports))
	for _, r := range g.reports {
		if filter.Type != "" && r.Type != filter.Type {
			continue
		}
		if filter.Severity != "" && r.Severity != filter.Severity {
			continue
		}
		matched = append(matched, r)
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[len(matched)-filter.Limit:]
	}
	return matched
}

// Stats aggregates the current log: totals by type and severity plus a
// rolling count of reports filed within the last hour.
func (g *Guard) Stats() GuardStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := GuardStats{
		Total:      len(g.reports),
		ByType:     make(map[ReportType]int),
		BySeverity: make(map[Severity]int),
	}
	cutoff := time.Now().UTC().Add(-time.Hour)
	for _, r := range g.reports {
		stats.ByType[r.Type]++
		stats.BySeverity[r.Severity]++
		if r.Timestamp.After(cutoff) {
			stats.LastHour++
		}
	}
	return stats
}
