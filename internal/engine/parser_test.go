package engine

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseGraphSpec_Valid(t *testing.T) {
	data := []byte(`{
		"name": "create volume",
		"vars": {"volume": "vol-7", "size": 10},
		"steps": [
			{"key": "attach", "wait_for": ["create"],
			 "forward": {"target_type": "sim", "target_id": "{{ .Vars.volume }}", "operation": "device.attach", "args": {"host": "h1"}},
			 "rollback": {"target_type": "sim", "target_id": "{{ .Vars.volume }}", "operation": "device.detach"}},
			{"key": "create",
			 "forward": {"target_type": "sim", "target_id": "{{ .Vars.volume }}", "operation": "device.create", "args": {"name": "{{ .Vars.volume }}", "size_gb": 10}}}
		]
	}`)

	spec, err := ParseGraphSpec(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	g, err := spec.ToGraph()
	if err != nil {
		t.Fatalf("ToGraph failed: %v", err)
	}
	steps := g.Steps()
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}

	// create объявлен вторым, но должен быть добавлен первым
	if steps[0].Key != "create" || steps[1].Key != "attach" {
		t.Errorf("unexpected order: %s, %s", steps[0].Key, steps[1].Key)
	}
	if steps[1].WaitFor[0] != steps[0].ID {
		t.Error("attach must wait for create")
	}
	if steps[0].Forward.TargetID != "vol-7" {
		t.Errorf("expected rendered target vol-7, got %s", steps[0].Forward.TargetID)
	}

	var args map[string]any
	if err := json.Unmarshal(steps[0].Forward.Args, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args["name"] != "vol-7" {
		t.Errorf("expected rendered name, got %v", args["name"])
	}
	if args["size_gb"] != float64(10) {
		t.Errorf("expected size_gb to stay numeric, got %v", args["size_gb"])
	}
}

func TestValidate_Errors(t *testing.T) {
	fwd := `"forward": {"target_id": "r", "operation": "op"}`
	tests := []struct {
		name string
		data string
		want error
	}{
		{"empty", `{"steps": []}`, ErrEmptyGraph},
		{"empty key", `{"steps": [{` + fwd + `}]}`, ErrEmptyStepKey},
		{"duplicate", `{"steps": [{"key": "a", ` + fwd + `}, {"key": "a", ` + fwd + `}]}`, ErrDuplicateStepKey},
		{"no operation", `{"steps": [{"key": "a", "forward": {"target_id": "r"}}]}`, ErrEmptyOperation},
		{"self", `{"steps": [{"key": "a", "wait_for": ["a"], ` + fwd + `}]}`, ErrSelfDependency},
		{"missing", `{"steps": [{"key": "a", "wait_for": ["b"], ` + fwd + `}]}`, ErrMissingDependency},
		{"cycle", `{"steps": [{"key": "a", "wait_for": ["b"], ` + fwd + `}, {"key": "b", "wait_for": ["a"], ` + fwd + `}]}`, ErrCyclicDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGraphSpec([]byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidationError_Message(t *testing.T) {
	err := NewValidationError("attach", "wait_for", "waits for unknown step: x", ErrMissingDependency)
	if err.Error() != "step attach: waits for unknown step: x" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, ErrMissingDependency) {
		t.Error("expected wrapped sentinel")
	}
}
