package digest

import (
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// defaultTemplate is the digest email body. Operators can swap it at
// construction; the pipeline only cares that it renders.
const defaultTemplate = `<h1>{{ title | escape }}</h1>
<p>New food safety recalls matching your alert preferences:</p>
<ul>
{% for r in recalls %}  <li>
    <strong>{{ r.title | escape }}</strong>
    <em>({{ r.source }}{% if r.states != "" %} &mdash; {{ r.states }}{% endif %})</em>
    {% if r.reason != "" %}<br>{{ r.reason | escape }}{% endif %}
  </li>
{% endfor %}</ul>
<p>You receive these alerts for: {{ subscription | escape }}.</p>`

// Renderer renders digest bodies from a Liquid template. Templates are
// parsed once and cached.
type Renderer struct {
	engine *liquid.Engine
	source string

	once sync.Once
	tpl  *liquid.Template
	err  error
}

// NewRenderer creates a Renderer for the given template source, falling back
// to the built-in digest template when source is empty.
func NewRenderer(source string) *Renderer {
	if source == "" {
		source = defaultTemplate
	}
	engine := liquid.NewEngine()
	engine.RegisterFilter("escape", html.EscapeString)
	return &Renderer{engine: engine, source: source}
}

// Render produces the HTML body for one digest.
func (r *Renderer) Render(d *Digest) (string, error) {
	r.once.Do(func() {
		r.tpl, r.err = r.engine.ParseString(r.source)
	})
	if r.err != nil {
		return "", fmt.Errorf("digest: parse template: %w", r.err)
	}

	recalls := make([]map[string]interface{}, 0, len(d.Records))
	for i := range d.Records {
		rec := &d.Records[i]
		states := ""
		if rec.IsNationwide() {
			states = "nationwide"
		} else if s := rec.EffectiveStates(); len(s) > 0 {
			states = strings.Join(s, ", ")
		}
		reason := rec.CoreFields["recall_reason"]
		if reason == "" {
			reason = rec.CoreFields["reason"]
		}
		recalls = append(recalls, map[string]interface{}{
			"title":  rec.DisplayTitle(),
			"source": string(rec.Source),
			"states": states,
			"reason": reason,
			"url":    rec.CoreFields["recall_url"],
		})
	}

	subscription := "all states"
	if !d.Subscriber.Wildcard() {
		subscription = strings.Join(d.Subscriber.States, ", ")
	}

	out, err := r.tpl.Render(liquid.Bindings{
		"title":        d.Title,
		"count":        len(d.Records),
		"recalls":      recalls,
		"subscription": subscription,
	})
	if err != nil {
		return "", fmt.Errorf("digest: render: %w", err)
	}
	return string(out), nil
}

// Subject builds the email subject line from the digest title.
func Subject(d *Digest) string {
	return "Food Recall Alert: " + d.Title
}
