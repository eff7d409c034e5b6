package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// Context — контекст для рендеринга аргументов действий.
//
// Доступные выражения:
//   - {{ .Vars.volume_id }}
//   - {{ .Graph }}
type Context struct {
	// Vars — переменные графа из GraphSpec.
	Vars map[string]any `json:"vars"`

	// Graph — имя графа.
	Graph string `json:"graph"`
}

// NewContext создаёт контекст рендеринга.
func NewContext(graph string, vars map[string]any) *Context {
	if vars == nil {
		vars = make(map[string]any)
	}
	return &Context{Vars: vars, Graph: graph}
}

var templateFuncs = template.FuncMap{
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,
}

// Render рендерит строковый шаблон с контекстом.
func Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderValue рендерит произвольное значение.
// Рекурсивно обрабатывает map и slice.
func RenderValue(value any, ctx *Context) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, ctx)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		return value, nil
	}
}

// RenderArgs рендерит JSON-аргументы действия.
func RenderArgs(args json.RawMessage, ctx *Context) (json.RawMessage, error) {
	if len(args) == 0 || !bytes.Contains(args, []byte("{{")) {
		return args, nil
	}

	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	rendered, err := RenderValue(value, ctx)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return out, nil
}
