// Package extract pulls the structured fields out of an arbitrary prefix of a
// streamed response.
//
// Extract is meant to be called on every received chunk with the whole text
// accumulated so far. It does a single left-to-right pass over the lines and
// never fails: a truncated or unstructured text simply yields fewer fields.
package extract

import (
	"strings"

	"github.com/go-go-golems/forge/pkg/grammar"
)

// Placeholder is shown when a response carries nothing but code.
const Placeholder = "[Code generated]"

// Document is the structured view of a (possibly partial) response. It is
// recomputed from scratch for every prefix and never patched.
type Document struct {
	Plan    *string        `json:"plan"`
	Tools   []grammar.Tool `json:"tools"`
	Code    *string        `json:"code"`
	Summary *string        `json:"summary"`
}

// HasStructure reports whether the model followed the format far enough for
// the structured rendering to apply.
func (d Document) HasStructure() bool {
	return d.Plan != nil || len(d.Tools) > 0 || d.Summary != nil
}

// CodeString returns the code field or "".
func (d Document) CodeString() string {
	if d.Code == nil {
		return ""
	}
	return *d.Code
}

// Extract parses text into a Document.
//
// A section runs from the line after its heading to the next reserved heading
// or the end of input. Only the first occurrence of each heading counts. The
// code field is the body of the first fence tagged with a code language, and
// only once that fence has been closed.
func Extract(text string) Document {
	var (
		doc     = Document{Tools: []grammar.Tool{}}
		seen    = map[grammar.Section]bool{}
		current = grammar.SectionNone
		plan    strings.Builder
		summary strings.Builder

		inFence     bool
		capturing   bool
		codeDone    bool
		code        strings.Builder
		codeStarted bool
	)

	for start := 0; start < len(text); {
		end := strings.IndexByte(text[start:], '\n')
		terminated := end >= 0
		var line string
		if terminated {
			line = text[start : start+end]
			start += end + 1
		} else {
			line = text[start:]
			start = len(text)
		}

		if !terminated && isPartialHeading(line) {
			// The heading may still be growing; it closes the running
			// section but does not open a new one yet.
			current = grammar.SectionNone
			break
		}

		if section, ok := grammar.ParseHeading(line); ok && terminated {
			if capturing {
				code.WriteString(line)
				code.WriteByte('\n')
			}
			if seen[section] {
				current = grammar.SectionNone
			} else {
				seen[section] = true
				current = section
			}
			continue
		}
		if terminated && grammar.IsHeading(line) {
			if capturing {
				code.WriteString(line)
				code.WriteByte('\n')
			}
			current = grammar.SectionNone
			continue
		}

		// Fences are tracked independently of sections.
		if inFence {
			if grammar.IsFence(line) {
				inFence = false
				if capturing {
					capturing = false
					codeDone = true
				}
			} else if capturing {
				code.WriteString(line)
				code.WriteByte('\n')
			}
		} else if terminated && grammar.IsFence(line) {
			inFence = true
			if _, ok := grammar.IsCodeFence(line); ok && !codeDone && !codeStarted {
				capturing = true
				codeStarted = true
			}
		}

		switch current {
		case grammar.SectionPlan:
			appendLine(&plan, line)
		case grammar.SectionSummary:
			appendLine(&summary, line)
		case grammar.SectionBuilding:
			if tool, ok := grammar.ParseToolLine(line); ok {
				doc.Tools = append(doc.Tools, tool)
			}
		case grammar.SectionNone, grammar.SectionCode:
		}
	}

	if seen[grammar.SectionPlan] {
		doc.Plan = nonEmpty(plan.String())
	}
	if seen[grammar.SectionSummary] {
		doc.Summary = nonEmpty(summary.String())
	}
	if codeDone && strings.TrimSpace(code.String()) != "" {
		c := code.String()
		doc.Code = &c
	}
	return doc
}

// Fallback is the text to show when the document has no structure: the raw
// text with fenced blocks removed, or Placeholder when nothing remains. A fence
// that is still open hides everything after it.
func Fallback(text string) string {
	var (
		out     strings.Builder
		inFence bool
	)
	for _, line := range strings.Split(text, "\n") {
		if grammar.IsFence(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	plain := strings.TrimSpace(out.String())
	if plain == "" {
		return Placeholder
	}
	return plain
}

func appendLine(b *strings.Builder, line string) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(strings.TrimRight(line, "\r"))
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// isPartialHeading reports whether an unterminated trailing line is, or could
// still become, a heading.
func isPartialHeading(line string) bool {
	line = strings.TrimRight(line, " \t\r")
	if line == "" {
		return false
	}
	if grammar.IsHeading(line) {
		return true
	}
	for _, h := range []string{grammar.HeadingPlan, grammar.HeadingBuilding, grammar.HeadingCode, grammar.HeadingSummary} {
		if strings.HasPrefix(h, line) {
			return true
		}
	}
	return false
}
