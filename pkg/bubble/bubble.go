// Package bubble turns the accumulated assistant text into the view shown in a
// chat bubble: a plan paragraph, one row per tool line and a summary, or the
// stripped fallback text when the response has no structure yet.
package bubble

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-go-golems/forge/pkg/extract"
	"github.com/go-go-golems/forge/pkg/grammar"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
)

// ToolRow is one rendered Building entry.
type ToolRow struct {
	Kind        string `json:"kind"`
	Label       string `json:"label"`
	Icon        string `json:"icon"`
	Description string `json:"description"`
}

// View is what a host needs to draw a single assistant bubble.
type View struct {
	Structured   bool      `json:"structured"`
	Plan         string    `json:"plan,omitempty"`
	PlanHTML     string    `json:"planHtml,omitempty"`
	Tools        []ToolRow `json:"tools,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	SummaryHTML  string    `json:"summaryHtml,omitempty"`
	Fallback     string    `json:"fallback,omitempty"`
	FallbackHTML string    `json:"fallbackHtml,omitempty"`
	HasCode      bool      `json:"hasCode"`
}

var (
	md     = goldmark.New()
	policy = bluemonday.UGCPolicy()
)

// Render extracts text and builds its view.
func Render(text string) View {
	return FromDocument(text, extract.Extract(text))
}

// FromDocument builds the view for an already extracted document. text must be
// the text doc was extracted from; it is only used for the fallback.
func FromDocument(text string, doc extract.Document) View {
	v := View{HasCode: doc.Code != nil}
	if !doc.HasStructure() {
		v.Fallback = extract.Fallback(text)
		v.FallbackHTML = toHTML(v.Fallback)
		return v
	}
	v.Structured = true
	if doc.Plan != nil {
		v.Plan = *doc.Plan
		v.PlanHTML = toHTML(v.Plan)
	}
	for _, t := range doc.Tools {
		v.Tools = append(v.Tools, ToolRow{
			Kind:        t.Kind,
			Label:       Label(t.Kind),
			Icon:        Icon(t.Kind),
			Description: t.Description,
		})
	}
	if doc.Summary != nil {
		v.Summary = *doc.Summary
		v.SummaryHTML = toHTML(v.Summary)
	}
	return v
}

// Label turns a tool kind into a display label: underscores become spaces and
// the first letter is upper-cased.
func Label(kind string) string {
	s := strings.ReplaceAll(kind, "_", " ")
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// Icon returns the glyph used for a tool kind.
func Icon(kind string) string {
	switch kind {
	case grammar.ToolCreateComponent:
		return "🧩"
	case grammar.ToolAddStyling:
		return "🎨"
	case grammar.ToolAddInteractivity:
		return "⚡"
	default:
		return "🔧"
	}
}

func toHTML(src string) string {
	out, err := MarkdownHTML(src)
	if err != nil {
		return policy.Sanitize(src)
	}
	return out
}

// MarkdownHTML converts markdown to sanitized HTML.
func MarkdownHTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", errors.Wrap(err, "convert markdown")
	}
	return policy.Sanitize(buf.String()), nil
}
