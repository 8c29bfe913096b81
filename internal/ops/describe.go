package ops

import (
	"fmt"
	"html"
	"strings"
)

// descBuilder renders the HTML snippet shown next to each stage result.
type descBuilder struct {
	title  string
	params []string
	body   []string
}

func describe(title string) *descBuilder {
	return &descBuilder{title: title}
}

func (d *descBuilder) param(label string, value any) *descBuilder {
	d.params = append(d.params, fmt.Sprintf("%s: %s", html.EscapeString(label), html.EscapeString(fmt.Sprint(value))))
	return d
}

func (d *descBuilder) text(format string, args ...any) *descBuilder {
	d.body = append(d.body, fmt.Sprintf(format, args...))
	return d
}

func (d *descBuilder) String() string {
	var b strings.Builder
	b.WriteString("<strong>")
	b.WriteString(html.EscapeString(d.title))
	b.WriteString("</strong><br>")
	for _, p := range d.params {
		b.WriteString(p)
		b.WriteString("<br>")
	}
	if len(d.body) > 0 {
		if len(d.params) > 0 {
			b.WriteString("<br>")
		}
		b.WriteString(strings.Join(d.body, " "))
	}
	return b.String()
}
