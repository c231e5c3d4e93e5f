package sentinel

import (
	"time"

	"github.com/web3tea/activity-sentinel/delivery"
	"github.com/web3tea/activity-sentinel/guard"
	"github.com/web3tea/activity-sentinel/metrics"
)

const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

type Health struct {
	Status           string                `json:"status"`
	WSState          string                `json:"wsState"`
	ReplicationState ReplicationStatus     `json:"replicationState"`
	LastLSN          *string               `json:"lastLsn"`
	LastMessageAt    *time.Time            `json:"lastMessageAt"`
	Resources        *guard.ResourceStatus `json:"resources,omitempty"`
	Metrics          metrics.Snapshot      `json:"metrics"`
}

// Health is a read-only snapshot for the health endpoint.
func (s *Sentinel) Health() Health {
	wsState := string(s.Sink.State())
	replication := s.State.Status()

	h := Health{
		Status:           healthStatus(wsState, replication),
		WSState:          wsState,
		ReplicationState: replication,
		Metrics:          s.Metrics.Snapshot(),
	}

	if lsn, at := s.State.Last(); !at.IsZero() {
		text := lsn.String()
		h.LastLSN = &text
		h.LastMessageAt = &at
	}
	if s.Guard != nil {
		if status, ok := s.Guard.Last(); ok {
			h.Resources = &status
		}
	}
	return h
}

func healthStatus(wsState string, replication ReplicationStatus) string {
	switch {
	case wsState == string(delivery.StateOpen) && replication == StatusActive:
		return HealthHealthy
	case wsState == string(delivery.StateClosed):
		return HealthUnhealthy
	default:
		return HealthDegraded
	}
}
