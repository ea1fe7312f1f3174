package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OperationStatus
		want     bool
	}{
		{OperationStatusPending, OperationStatusRunning, true},
		{OperationStatusRunning, OperationStatusCompleted, true},
		{OperationStatusRunning, OperationStatusFailed, true},
		{OperationStatusFailed, OperationStatusRolledBack, true},
		{OperationStatusCompleted, OperationStatusRunning, false},
		{OperationStatusCompleted, OperationStatusRolledBack, false},
		{OperationStatusRolledBack, OperationStatusFailed, false},
		{OperationStatusFailed, OperationStatusRunning, false},
		{OperationStatusRunning, OperationStatusPending, false},
		{OperationStatusPending, OperationStatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestKindForMode(t *testing.T) {
	tests := map[string]OperationKind{
		"create":    KindCreate,
		"adopt":     KindCreate,
		"modify":    KindUpdate,
		"drain":     KindDelete,
		"remove":    KindDelete,
		"validate":  KindConfigure,
		"Configure": KindConfigure,
	}
	for mode, want := range tests {
		got, err := KindForMode(mode)
		if err != nil || got != want {
			t.Errorf("KindForMode(%q) = %s, %v; want %s", mode, got, err, want)
		}
	}
	if _, err := KindForMode("explode"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestParseProvisioningState(t *testing.T) {
	tests := map[string]ProvisioningState{
		"Succeeded": StateSucceeded,
		"Updating":  StateCreating,
		"Canceled":  StateFailed,
		"Deleting":  StateDeleting,
		"":          StateUnknown,
		"weird":     StateUnknown,
	}
	for raw, want := range tests {
		if got := ParseProvisioningState(raw); got != want {
			t.Errorf("ParseProvisioningState(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestEngineErrorMatching(t *testing.T) {
	err := fmt.Errorf("executing: %w",
		NewPermanentError("missing vnet", nil).WithCode(ErrCodePrerequisiteMissing).WithResource("vnet"))

	if !errors.Is(err, ErrPrerequisiteMissing) {
		t.Error("expected errors.Is to match PREREQUISITE_MISSING")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("did not expect NOT_FOUND match")
	}
	if CodeOf(err) != ErrCodePrerequisiteMissing {
		t.Errorf("unexpected code %q", CodeOf(err))
	}
	if !IsPermanent(err) || IsTransient(err) {
		t.Error("unexpected classification")
	}
	if !IsNotFound(NotFoundf("resource %s", "x")) {
		t.Error("expected NotFoundf to match ErrNotFound")
	}
}

func TestDescriptorValidate(t *testing.T) {
	valid := &Descriptor{
		ID:   "create-vnet",
		Kind: KindCreate,
		Steps: []Step{
			{Name: "create-vnet", Command: "az network vnet create"},
			{Name: "create-subnet", Command: "az network vnet subnet create"},
		},
		Rollback: []Step{
			{Name: "delete-subnet", Command: "az network vnet subnet delete", Undoes: "create-subnet"},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid descriptor, got %v", err)
	}

	broken := valid.Clone()
	broken.ID = ""
	broken.Steps = append(broken.Steps, Step{Name: "create-vnet", Command: ""})
	broken.Rollback[0].Undoes = "nope"
	err := broken.Validate()
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected INVALID_DESCRIPTOR, got %v", err)
	}
	for _, want := range []string{"id is required", "duplicate step name", "has no command", "unknown step"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}

	// Clone is deep for step slices.
	if valid.Rollback[0].Undoes != "create-subnet" {
		t.Error("Clone shared rollback steps with the original")
	}
}
