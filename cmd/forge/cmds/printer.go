package cmds

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/forge/pkg/bubble"
	"github.com/go-go-golems/forge/pkg/extract"
	"github.com/go-go-golems/forge/pkg/session"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C9956C"))
	toolStyle    = lipgloss.NewStyle().MarginLeft(2)
	labelStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171"))
)

// Printer renders a streaming exchange in the terminal. Each part is printed
// once, when the text after it shows that it is complete.
type Printer struct {
	w        io.Writer
	markdown func(string) string

	mu          sync.Mutex
	planDone    bool
	toolsDone   int
	codeShown   bool
	summaryDone bool
}

// NewPrinter renders markdown through glamour when styled is set.
func NewPrinter(w io.Writer, styled bool) *Printer {
	p := &Printer{w: w, markdown: func(s string) string { return s + "\n" }}
	if !styled {
		return p
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
	if err != nil {
		return p
	}
	p.markdown = func(s string) string {
		out, err := r.Render(s)
		if err != nil {
			return s + "\n"
		}
		return out
	}
	return p
}

func (p *Printer) StateChanged(string, session.State) {}

func (p *Printer) Updated(_ string, u session.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc := u.Document
	if !doc.HasStructure() {
		if u.Final {
			fmt.Fprint(p.w, p.markdown(extract.Fallback(u.Text)))
		}
		return
	}

	if doc.Plan != nil && !p.planDone && (u.Final || len(doc.Tools) > 0 || doc.Code != nil || doc.Summary != nil) {
		p.planDone = true
		fmt.Fprintln(p.w, headingStyle.Render("Plan"))
		fmt.Fprint(p.w, p.markdown(*doc.Plan))
	}

	// The last tool row may still be growing until something follows it.
	complete := len(doc.Tools)
	if !u.Final && doc.Code == nil && doc.Summary == nil && !strings.HasSuffix(u.Text, "\n") {
		complete--
	}
	if p.toolsDone == 0 && complete > 0 {
		fmt.Fprintln(p.w, headingStyle.Render("Building"))
	}
	for ; p.toolsDone < complete; p.toolsDone++ {
		t := doc.Tools[p.toolsDone]
		fmt.Fprintln(p.w, toolStyle.Render(fmt.Sprintf("%s %s  %s",
			bubble.Icon(t.Kind), labelStyle.Render(bubble.Label(t.Kind)), t.Description)))
	}

	if doc.Code != nil && !p.codeShown {
		p.codeShown = true
		fmt.Fprintln(p.w, dimStyle.Render("Code updated"))
	}

	if doc.Summary != nil && !p.summaryDone && u.Final {
		p.summaryDone = true
		fmt.Fprintln(p.w, headingStyle.Render("Summary"))
		fmt.Fprint(p.w, p.markdown(*doc.Summary))
	}
	if u.Interrupted {
		fmt.Fprintln(p.w, errorStyle.Render("The response was interrupted."))
	}
}

// Error prints msg in the error style.
func (p *Printer) Error(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, errorStyle.Render(msg))
}

// Note prints a dimmed line.
func (p *Printer) Note(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, dimStyle.Render(msg))
}
