// Package render turns configured subject/body templates into message text.
package render

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Pair is a parsed subject and body template.
type Pair struct {
	subject *template.Template
	body    *template.Template
}

var funcs = template.FuncMap{
	"upper": strings.ToUpper,
	"join":  strings.Join,
	// human prints durations the way people read lead times: "24h", "90m", "45s".
	"human": Human,
}

// Parse compiles both templates. Empty text falls back to the given default.
func Parse(name, subject, body, defSubject, defBody string) (Pair, error) {
	if strings.TrimSpace(subject) == "" {
		subject = defSubject
	}
	if strings.TrimSpace(body) == "" {
		body = defBody
	}
	s, err := template.New(name + ".subject").Funcs(funcs).Option("missingkey=error").Parse(subject)
	if err != nil {
		return Pair{}, fmt.Errorf("%s subject: %w", name, err)
	}
	b, err := template.New(name + ".body").Funcs(funcs).Option("missingkey=error").Parse(body)
	if err != nil {
		return Pair{}, fmt.Errorf("%s body: %w", name, err)
	}
	return Pair{subject: s, body: b}, nil
}

// Execute renders both templates against data.
func (p Pair) Execute(data any) (subject, body string, err error) {
	var sb, bb strings.Builder
	if err := p.subject.Execute(&sb, data); err != nil {
		return "", "", err
	}
	if err := p.body.Execute(&bb, data); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(sb.String()), bb.String(), nil
}

// Human formats d compactly, dropping zero units.
func Human(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	var b strings.Builder
	if days := d / (24 * time.Hour); days > 0 && d%(24*time.Hour) == 0 {
		fmt.Fprintf(&b, "%dd", days)
		return b.String()
	}
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		fmt.Fprintf(&b, "%dh", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dm", m)
	}
	if s > 0 {
		fmt.Fprintf(&b, "%ds", s)
	}
	return b.String()
}
