// Copyright 2025 Storyvault Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package assemble

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// RenderMode selects the output shape of an assembled context.
type RenderMode string

const (
	ModeMarkdown RenderMode = "markdown"
	ModeJSON     RenderMode = "json"
	ModeTemplate RenderMode = "template"
)

// Render serializes a context in the requested mode. Template mode uses
// the built-in template; callers with their own use RenderTemplate.
func Render(c *Context, mode RenderMode) (string, error) {
	switch mode {
	case ModeJSON:
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	case ModeTemplate:
		return RenderTemplate(c, defaultTemplate)
	case ModeMarkdown, "":
		return renderMarkdown(c), nil
	default:
		return "", fmt.Errorf("unknown render mode %q", mode)
	}
}

func renderMarkdown(c *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Context: %s\n", c.Step)
	for _, s := range c.Sections {
		fmt.Fprintf(&b, "\n## %s\n", s.Name)
		for _, e := range s.Entities {
			fmt.Fprintf(&b, "\n### %s\n", e.Name)
			if len(e.Labels) > 0 {
				fmt.Fprintf(&b, "Labels: %s\n", strings.Join(e.Labels, ", "))
			}
			if len(e.Attrs) > 0 {
				data, err := json.MarshalIndent(e.Attrs, "", "  ")
				if err == nil {
					fmt.Fprintf(&b, "```json\n%s\n```\n", data)
				}
			}
		}
	}
	if c.TruncatedSections > 0 {
		fmt.Fprintf(&b, "\n(%d section(s) with %d entit(ies) omitted for budget)\n",
			c.TruncatedSections, c.TruncatedEntities)
	}
	return b.String()
}

const defaultTemplate = `CONTEXT {{.Step}}
{{- range .Sections}}
[{{.Name}}]
{{- range .Entities}}
- {{.Name}} ({{.Type}}/{{.ID}})
{{- end}}
{{- end}}
{{- if gt .TruncatedSections 0}}
(truncated: {{.TruncatedSections}} sections, {{.TruncatedEntities}} entities)
{{- end}}
`

// RenderTemplate executes a caller-supplied text/template against the
// context.
func RenderTemplate(c *Context, tmpl string) (string, error) {
	t, err := template.New("context").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse context template: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, c); err != nil {
		return "", fmt.Errorf("execute context template: %w", err)
	}
	return b.String(), nil
}
