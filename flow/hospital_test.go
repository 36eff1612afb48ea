package flow

import (
	"context"
	"testing"

	"github.com/corda-ledger/flownode/core"
)

func TestInMemoryHospitalAdmitListDischarge(t *testing.T) {
	ctx := context.Background()
	hospital := NewInMemoryHospital(&core.NoOpLogger{})
	cp := newTestCheckpoint()

	var admitted []string
	hospital.OnAdmit = func(id FlowId, reason string) {
		admitted = append(admitted, reason)
	}

	if err := hospital.Admit(ctx, cp.FlowId, "transient send failure", cp); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(admitted) != 1 || admitted[0] != "transient send failure" {
		t.Fatalf("expected OnAdmit hook to fire once with the reason, got %v", admitted)
	}

	records, err := hospital.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 admitted record, got %d", len(records))
	}
	if records[0].FlowId != cp.FlowId {
		t.Fatalf("expected flow id %v, got %v", cp.FlowId, records[0].FlowId)
	}
	if records[0].Reason != "transient send failure" {
		t.Fatalf("unexpected reason %q", records[0].Reason)
	}

	if err := hospital.Discharge(ctx, cp.FlowId); err != nil {
		t.Fatalf("Discharge: %v", err)
	}
	records, err = hospital.List(ctx)
	if err != nil {
		t.Fatalf("List after discharge: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected an empty hospital after discharge, got %d", len(records))
	}
}

func TestInMemoryHospitalDischargeUnknownFlowIsNoop(t *testing.T) {
	hospital := NewInMemoryHospital(nil)
	if err := hospital.Discharge(context.Background(), NewFlowId()); err != nil {
		t.Fatalf("expected discharging an unknown flow id to be a no-op, got %v", err)
	}
}
