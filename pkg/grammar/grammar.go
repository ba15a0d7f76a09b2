// Package grammar defines the textual document the model is instructed to
// stream back: a Plan section, a Building section of tool lines, a fenced code
// block and a Summary section.
//
// Nothing here enforces the format on the model. The helpers only classify
// single lines so that the extractor can split a growing text in one pass.
package grammar

import (
	_ "embed"
	"strings"
)

// Section identifies one of the reserved headings.
type Section int

const (
	SectionNone Section = iota
	SectionPlan
	SectionBuilding
	SectionCode
	SectionSummary
)

const (
	HeadingPlan     = "## Plan"
	HeadingBuilding = "## Building"
	HeadingCode     = "## Code"
	HeadingSummary  = "## Summary"
)

var headings = map[string]Section{
	HeadingPlan:     SectionPlan,
	HeadingBuilding: SectionBuilding,
	HeadingCode:     SectionCode,
	HeadingSummary:  SectionSummary,
}

func (s Section) String() string {
	switch s {
	case SectionPlan:
		return "plan"
	case SectionBuilding:
		return "building"
	case SectionCode:
		return "code"
	case SectionSummary:
		return "summary"
	default:
		return "none"
	}
}

// ParseHeading reports whether line is one of the four reserved headings.
// Trailing whitespace (including a carriage return) is ignored.
func ParseHeading(line string) (Section, bool) {
	s, ok := headings[strings.TrimRight(line, " \t\r")]
	return s, ok
}

// IsHeading reports whether line is any second-level heading. Every such
// heading ends the running section, reserved or not.
func IsHeading(line string) bool {
	return strings.HasPrefix(line, headingPrefix)
}

const headingPrefix = "## "

// Tool is one `[TOOL:<kind>] <description>` entry of the Building section.
type Tool struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

const toolPrefix = "[TOOL:"

// ParseToolLine matches a single tool line. The marker may be preceded by a
// list bullet or indentation, the kind is a run of letters, digits and
// underscores, and the description must be non-empty once trimmed.
func ParseToolLine(line string) (Tool, bool) {
	idx := strings.Index(line, toolPrefix)
	if idx < 0 {
		return Tool{}, false
	}
	s := line[idx+len(toolPrefix):]
	end := strings.IndexByte(s, ']')
	if end <= 0 {
		return Tool{}, false
	}
	kind := s[:end]
	for i := 0; i < len(kind); i++ {
		if !isWordByte(kind[i]) {
			return Tool{}, false
		}
	}
	desc := strings.TrimSpace(s[end+1:])
	if desc == "" {
		return Tool{}, false
	}
	return Tool{Kind: kind, Description: desc}, true
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

const fence = "```"

// CodeLanguages are the fence tags treated as the generated component.
var CodeLanguages = []string{"jsx", "js", "tsx", "ts"}

// IsCodeFence reports whether line opens a fence tagged with one of
// CodeLanguages and returns the tag. The fence may be indented, as under a
// list item.
func IsCodeFence(line string) (string, bool) {
	s := strings.Trim(line, " \t\r")
	if !strings.HasPrefix(s, fence) {
		return "", false
	}
	lang := s[len(fence):]
	for _, l := range CodeLanguages {
		if lang == l {
			return lang, true
		}
	}
	return "", false
}

// IsFence reports whether line opens or closes any fenced block.
func IsFence(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), fence)
}

// Known tool kinds with a dedicated presentation.
const (
	ToolCreateComponent  = "create_component"
	ToolAddStyling       = "add_styling"
	ToolAddInteractivity = "add_interactivity"
)

//go:embed prompts/system.md
var systemPrompt string

// SystemPrompt returns the instructions sent ahead of every conversation.
func SystemPrompt() string {
	return systemPrompt
}

//go:embed prompts/default_app.jsx
var defaultCode string

// DefaultCode is the component shown before anything has been generated.
func DefaultCode() string {
	return defaultCode
}
