package services

import (
	"context"
	"sync"
	"time"
)

// PaymentMetrics counts payment outcomes. A nil *PaymentMetrics is a no-op.
type PaymentMetrics struct {
	mu sync.Mutex
	s  PaymentMetricsSnapshot
}

// PaymentMetricsSnapshot is a point-in-time copy of PaymentMetrics.
type PaymentMetricsSnapshot struct {
	Initiated           int64     `json:"initiated"`
	InitiationFailed    int64     `json:"initiation_failed"`
	Captured            int64     `json:"captured"`
	SignatureFailures   int64     `json:"signature_failures"`
	AllocationFailures  int64     `json:"allocation_failures"`
	WebhooksReceived    int64     `json:"webhooks_received"`
	WebhookDuplicates   int64     `json:"webhook_duplicates"`
	WebhooksFailed      int64     `json:"webhooks_failed"`
	ReconcileRuns       int64     `json:"reconcile_runs"`
	ReconcileRepaired   int64     `json:"reconcile_repaired"`
	LastWebhookReceived time.Time `json:"last_webhook_received"`
	LastReconcileRun    time.Time `json:"last_reconcile_run"`
}

func NewPaymentMetrics() *PaymentMetrics {
	return &PaymentMetrics{}
}

func (m *PaymentMetrics) add(f func(s *PaymentMetricsSnapshot)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	f(&m.s)
	m.mu.Unlock()
}

func (m *PaymentMetrics) IncInitiated() { m.add(func(s *PaymentMetricsSnapshot) { s.Initiated++ }) }
func (m *PaymentMetrics) IncInitiationFailed() {
	m.add(func(s *PaymentMetricsSnapshot) { s.InitiationFailed++ })
}
func (m *PaymentMetrics) IncCaptured() { m.add(func(s *PaymentMetricsSnapshot) { s.Captured++ }) }
func (m *PaymentMetrics) IncSignatureFailure() {
	m.add(func(s *PaymentMetricsSnapshot) { s.SignatureFailures++ })
}
func (m *PaymentMetrics) IncAllocationFailure() {
	m.add(func(s *PaymentMetricsSnapshot) { s.AllocationFailures++ })
}
func (m *PaymentMetrics) IncWebhookDuplicate() {
	m.add(func(s *PaymentMetricsSnapshot) { s.WebhookDuplicates++ })
}
func (m *PaymentMetrics) IncWebhookFailed() {
	m.add(func(s *PaymentMetricsSnapshot) { s.WebhooksFailed++ })
}

func (m *PaymentMetrics) IncWebhookReceived() {
	m.add(func(s *PaymentMetricsSnapshot) {
		s.WebhooksReceived++
		s.LastWebhookReceived = time.Now()
	})
}

func (m *PaymentMetrics) RecordReconcile(result ReconciliationResult) {
	m.add(func(s *PaymentMetricsSnapshot) {
		s.ReconcileRuns++
		s.ReconcileRepaired += int64(result.Reconciled + result.MarkedFailed)
		s.LastReconcileRun = time.Now()
	})
}

func (m *PaymentMetrics) Snapshot() PaymentMetricsSnapshot {
	if m == nil {
		return PaymentMetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s
}

// HealthChecker checks one dependency.
type HealthChecker func(ctx context.Context) error

// HealthStatus represents the overall health of the system
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentStatus `json:"components"`
}

// ComponentStatus represents the status of a system component
type ComponentStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Critical  bool      `json:"critical"`
	LastCheck time.Time `json:"last_check"`
}

type component struct {
	check    HealthChecker
	critical bool
}

// MonitoringService aggregates dependency health and payment metrics.
type MonitoringService struct {
	metrics    *PaymentMetrics
	startedAt  time.Time
	mu         sync.RWMutex
	components map[string]component
}

func NewMonitoringService(metrics *PaymentMetrics) *MonitoringService {
	return &MonitoringService{
		metrics:    metrics,
		startedAt:  time.Now(),
		components: make(map[string]component),
	}
}

// Register adds a dependency check. A failing critical component makes the
// service critical; a failing optional one only degrades it.
func (m *MonitoringService) Register(name string, critical bool, check HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = component{check: check, critical: critical}
}

func (m *MonitoringService) Metrics() PaymentMetricsSnapshot {
	return m.metrics.Snapshot()
}

// Check runs every registered checker with a short deadline.
func (m *MonitoringService) Check(ctx context.Context) HealthStatus {
	m.mu.RLock()
	components := make(map[string]component, len(m.components))
	for name, c := range m.components {
		components[name] = c
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startedAt).Round(time.Second).String(),
		Components: make(map[string]ComponentStatus, len(components)),
	}
	for name, c := range components {
		cs := ComponentStatus{Status: "healthy", Critical: c.critical, LastCheck: time.Now()}
		if err := c.check(ctx); err != nil {
			cs.Message = err.Error()
			if c.critical {
				cs.Status = "critical"
				status.Status = "critical"
			} else {
				cs.Status = "degraded"
				if status.Status == "healthy" {
					status.Status = "degraded"
				}
			}
		}
		status.Components[name] = cs
	}
	return status
}
