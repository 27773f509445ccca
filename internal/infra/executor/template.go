package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

// TemplateEngine renders response-transform templates against the
// decoded tool output. Templates see the unmarshaled JSON document as
// their data root.
type TemplateEngine struct{}

func NewTemplateEngine() TemplateEngine { return TemplateEngine{} }

func (TemplateEngine) Apply(tmpl string, content json.RawMessage) (json.RawMessage, error) {
	parsed, err := template.New("response").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse response template: %w", err)
	}

	var data any
	if len(content) > 0 {
		if err := json.Unmarshal(content, &data); err != nil {
			return nil, fmt.Errorf("decode tool content: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := parsed.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute response template: %w", err)
	}
	return buf.Bytes(), nil
}

// noopTemplateEngine passes content through untouched. Used when no
// engine is wired.
type noopTemplateEngine struct{}

func (noopTemplateEngine) Apply(_ string, content json.RawMessage) (json.RawMessage, error) {
	return content, nil
}
