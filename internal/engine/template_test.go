package engine

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRender(t *testing.T) {
	ctx := NewContext("g", map[string]any{"volume": "vol-1", "empty": ""})

	tests := []struct {
		tmpl string
		want string
	}{
		{"plain", "plain"},
		{"{{ .Vars.volume }}", "vol-1"},
		{"{{ .Graph }}-{{ .Vars.volume | upper }}", "g-VOL-1"},
		{`{{ default "pool-a" .Vars.empty }}`, "pool-a"},
	}

	for _, tt := range tests {
		got, err := Render(tt.tmpl, ctx)
		if err != nil {
			t.Errorf("Render(%q) error: %v", tt.tmpl, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

func TestRender_Errors(t *testing.T) {
	ctx := NewContext("g", nil)

	if _, err := Render("{{ .Vars.missing }}", ctx); !errors.Is(err, ErrTemplateRender) {
		t.Errorf("expected ErrTemplateRender, got %v", err)
	}
	if _, err := Render("{{ .Vars.x", ctx); !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
}

func TestRenderArgs(t *testing.T) {
	ctx := NewContext("g", map[string]any{"host": "h1"})

	raw := json.RawMessage(`{"hosts": ["{{ .Vars.host }}", "h2"], "lun": 3}`)
	out, err := RenderArgs(raw, ctx)
	if err != nil {
		t.Fatalf("RenderArgs failed: %v", err)
	}

	var got struct {
		Hosts []string `json:"hosts"`
		Lun   int      `json:"lun"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Hosts) != 2 || got.Hosts[0] != "h1" || got.Lun != 3 {
		t.Errorf("unexpected rendered args: %+v", got)
	}

	plain := json.RawMessage(`{"a": 1}`)
	same, _ := RenderArgs(plain, ctx)
	if string(same) != string(plain) {
		t.Error("args without templates must be returned as is")
	}
}
