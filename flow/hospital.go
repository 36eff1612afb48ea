package flow

import (
	"context"
	"sync"
	"time"

	"github.com/corda-ledger/flownode/core"
)

// HospitalRecord is one admitted flow, retained so an operator can
// inspect why it stopped and decide whether to discharge (retry) or
// kill it.
type HospitalRecord struct {
	FlowId     FlowId
	Reason     string
	Checkpoint *Checkpoint
	AdmittedAt time.Time
}

// Hospital is the collaborator interface that quarantines errored
// flows for operator attention (spec §6, §9 GLOSSARY) - grounded on
// hitl_controller.go's admit/process-command/resume lifecycle and
// hitl_policy.go's classified-reason vocabulary, trimmed to the
// admit/discharge contract the spec names.
type Hospital interface {
	Admit(ctx context.Context, flowId FlowId, reason string, checkpoint *Checkpoint) error
	Discharge(ctx context.Context, flowId FlowId) error
	List(ctx context.Context) ([]HospitalRecord, error)
}

// InMemoryHospital is the reference Hospital implementation: an
// admission ledger held in a map keyed by FlowId, matching the
// teacher's InMemoryStateStore pattern for reference collaborators.
type InMemoryHospital struct {
	mu      sync.RWMutex
	records map[FlowId]HospitalRecord
	logger  core.Logger
	OnAdmit func(FlowId, string)
}

// NewInMemoryHospital returns an empty InMemoryHospital.
func NewInMemoryHospital(logger core.Logger) *InMemoryHospital {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("flow/hospital")
	}
	return &InMemoryHospital{
		records: make(map[FlowId]HospitalRecord),
		logger:  logger,
	}
}

func (h *InMemoryHospital) Admit(ctx context.Context, flowId FlowId, reason string, checkpoint *Checkpoint) error {
	h.mu.Lock()
	h.records[flowId] = HospitalRecord{
		FlowId:     flowId,
		Reason:     reason,
		Checkpoint: checkpoint,
		AdmittedAt: time.Now(),
	}
	onAdmit := h.OnAdmit
	h.mu.Unlock()

	h.logger.Warn("flow admitted to hospital", map[string]interface{}{
		"flow_id": flowId.String(),
		"reason":  reason,
	})
	if onAdmit != nil {
		onAdmit(flowId, reason)
	}
	return nil
}

func (h *InMemoryHospital) Discharge(ctx context.Context, flowId FlowId) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.records, flowId)
	h.logger.Info("flow discharged from hospital", map[string]interface{}{"flow_id": flowId.String()})
	return nil
}

func (h *InMemoryHospital) List(ctx context.Context) ([]HospitalRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]HospitalRecord, 0, len(h.records))
	for _, r := range h.records {
		out = append(out, r)
	}
	return out, nil
}
