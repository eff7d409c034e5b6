package faultinject

import (
	"testing"

	"github.com/shaiso/Strata/internal/config"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/fault"
)

func TestInjector_Check(t *testing.T) {
	flags := config.NewStaticFlags(map[string]string{
		FlagArtificialFailure: "device.attach, rollback:device.create",
	})
	inj := New(flags)

	tests := []struct {
		key   string
		phase domain.Phase
		fail  bool
	}{
		{"device.attach", domain.PhaseForward, true},
		{"device.attach", domain.PhaseRollback, false},
		{"device.create", domain.PhaseForward, false},
		{"device.create", domain.PhaseRollback, true},
		{"device.attach#2", domain.PhaseForward, false},
		{"", domain.PhaseForward, false},
	}

	for _, tt := range tests {
		f := inj.Check(tt.key, tt.phase)
		if (f != nil) != tt.fail {
			t.Errorf("Check(%q, %s) = %v, want fail=%v", tt.key, tt.phase, f, tt.fail)
		}
		if f != nil && (f.Code != fault.CodeArtificialFailure || f.Retryable()) {
			t.Errorf("unexpected fault: %+v", f)
		}
	}
}

func TestInjector_Disabled(t *testing.T) {
	var nilInjector *Injector
	if nilInjector.Check("x", domain.PhaseForward) != nil {
		t.Error("nil injector must not fail steps")
	}
	if New(nil).Check("x", domain.PhaseForward) != nil {
		t.Error("injector without flags must not fail steps")
	}
	if New(config.NewStaticFlags(nil)).Check("x", domain.PhaseForward) != nil {
		t.Error("absent flag must not fail steps")
	}
}
