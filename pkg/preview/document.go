package preview

import (
	"bytes"
	_ "embed"
	"html/template"
	"strings"

	"github.com/pkg/errors"
)

// SandboxAttr is the iframe sandbox attribute: scripts run, but the frame gets
// an opaque origin with no access to the host page, its cookies or storage.
const SandboxAttr = "allow-scripts"

//go:embed js/document.html
var documentHTML string

var documentTemplate = template.Must(template.New("preview").Parse(documentHTML))

type documentData struct {
	Script template.JS
	Markup template.HTML
	Error  string
}

// Document renders the srcdoc page for code. It transpiles the code itself, so
// it works without a sandbox run; markup is optional server-rendered HTML
// placed in #root until React mounts.
func Document(code, markup string) (string, error) {
	script, err := Build(code)
	data := documentData{Markup: template.HTML(markup)}
	if err != nil {
		data.Error = err.Error()
		data.Markup = ""
	} else {
		data.Script = template.JS(escapeScript(script))
	}
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "render preview document")
	}
	return buf.String(), nil
}

// InstanceDocument renders the document of a finished instance, reusing its
// transpiled script and markup.
func InstanceDocument(inst *Instance) (string, error) {
	if inst == nil {
		return "", errors.New("preview instance is nil")
	}
	res, _ := inst.Result()
	return Document(inst.Code, res.Markup)
}

// escapeScript keeps a closing script tag inside string literals from ending
// the element early.
func escapeScript(s string) string {
	return strings.NewReplacer("</script", `<\/script`, "</SCRIPT", `<\/SCRIPT`, "<!--", `<\!--`).Replace(s)
}
