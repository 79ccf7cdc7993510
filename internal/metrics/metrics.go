// ABOUTME: Prometheus counters for protocol transitions and dispatch failures
// ABOUTME: Exposed through an http.Handler; every method is nil-safe

// Package metrics exposes controller counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the controller's counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	CheckIns          *prometheus.CounterVec
	CommandsSent      *prometheus.CounterVec
	CommandsCompleted *prometheus.CounterVec
	ResponsesMissing  prometheus.Counter
	ParseErrors       prometheus.Counter
	PermissionDenied  prometheus.Counter
	DuplicateEvents   prometheus.Counter
}

// New registers every counter on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CheckIns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smbctl_checkins_total",
			Help: "Agent check-ins observed, by project",
		}, []string{"project"}),
		CommandsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smbctl_commands_sent_total",
			Help: "Commands written to exec files, by project",
		}, []string{"project"}),
		CommandsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smbctl_commands_completed_total",
			Help: "Responses collected after exec file removal, by project",
		}, []string{"project"}),
		ResponsesMissing: f.NewCounter(prometheus.CounterOpts{
			Name: "smbctl_responses_missing_total",
			Help: "Completions whose output file could not be read",
		}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "smbctl_parse_errors_total",
			Help: "Notifications discarded because the path did not fit the layout",
		}),
		PermissionDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "smbctl_permission_denied_total",
			Help: "Dispatch batches aborted because an exec file was not writable",
		}),
		DuplicateEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "smbctl_duplicate_events_total",
			Help: "Notifications suppressed as duplicates",
		}),
	}
}

// CheckIn counts a check-in for project.
func (m *Metrics) CheckIn(project string) {
	if m != nil {
		m.CheckIns.WithLabelValues(project).Inc()
	}
}

// CommandSent counts a command written for an agent of project.
func (m *Metrics) CommandSent(project string) {
	if m != nil {
		m.CommandsSent.WithLabelValues(project).Inc()
	}
}

// CommandCompleted counts a response collected for project.
func (m *Metrics) CommandCompleted(project string) {
	if m != nil {
		m.CommandsCompleted.WithLabelValues(project).Inc()
	}
}

// ResponseMissing counts a completion without a readable response.
func (m *Metrics) ResponseMissing() {
	if m != nil {
		m.ResponsesMissing.Inc()
	}
}

// ParseError counts a discarded malformed notification.
func (m *Metrics) ParseError() {
	if m != nil {
		m.ParseErrors.Inc()
	}
}

// Permission counts a dispatch batch aborted on a permission error.
func (m *Metrics) Permission() {
	if m != nil {
		m.PermissionDenied.Inc()
	}
}

// Duplicate counts a suppressed duplicate notification.
func (m *Metrics) Duplicate() {
	if m != nil {
		m.DuplicateEvents.Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
