// Package mailing holds the data model, persistent store, templating, and
// transport collaborators consumed by the dispatch engine.
package mailing

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// RenderMode determines how the template engine handles missing variables.
type RenderMode int

const (
	// RenderModeLax returns empty string for missing vars (production sends)
	RenderModeLax RenderMode = iota
	// RenderModeStrict returns an error for missing vars (preview/validation)
	RenderModeStrict
)

// TemplateService renders Liquid templates with caching. Rendering is a pure
// function over (template, merge fields); the engine invokes it once per task
// at enumeration time.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// RenderedEmail is the personalized output for a single recipient.
type RenderedEmail struct {
	Subject string
	Body    string
}

// NewTemplateService creates a template service with the standard filters.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerFilters()
	return ts
}

func (ts *TemplateService) registerFilters() {
	// {{ first_name | default: "Friend" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ name | capitalize }}
	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// {{ email | urlencode }}
	ts.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// {{ user_input | escape }}
	ts.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
}

// parse returns a cached compiled template for the given source.
func (ts *TemplateService) parse(source string) (*liquid.Template, error) {
	if cached, ok := ts.cache.Load(source); ok {
		return cached.(*liquid.Template), nil
	}
	tmpl, err := ts.engine.ParseString(source)
	if err != nil {
		return nil, fmt.Errorf("template parse: %w", err)
	}
	ts.cache.Store(source, tmpl)
	return tmpl, nil
}

// bindings builds the variable map for one recipient: every merge field by
// name, plus the reserved email/name bindings.
func bindings(r Recipient) map[string]interface{} {
	vars := make(map[string]interface{}, len(r.MergeFields)+2)
	for k, v := range r.MergeFields {
		vars[k] = v
	}
	vars["email"] = r.Email
	vars["name"] = r.Name
	return vars
}

// Render produces the personalized subject and body for one recipient.
// In lax mode missing variables render as empty strings; in strict mode
// any render error is returned.
func (ts *TemplateService) Render(subjectTmpl, bodyTmpl string, r Recipient, mode RenderMode) (*RenderedEmail, error) {
	vars := bindings(r)

	subject, err := ts.renderOne(subjectTmpl, vars, mode)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	body, err := ts.renderOne(bodyTmpl, vars, mode)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	return &RenderedEmail{Subject: subject, Body: body}, nil
}

func (ts *TemplateService) renderOne(source string, vars map[string]interface{}, mode RenderMode) (string, error) {
	if !strings.Contains(source, "{{") && !strings.Contains(source, "{%") {
		return source, nil
	}
	tmpl, err := ts.parse(source)
	if err != nil {
		if mode == RenderModeStrict {
			return "", err
		}
		return source, nil
	}
	out, err := tmpl.RenderString(vars)
	if err != nil {
		if mode == RenderModeStrict {
			return "", fmt.Errorf("template render: %w", err)
		}
		return source, nil
	}
	return out, nil
}
