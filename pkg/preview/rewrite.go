package preview

import (
	"regexp"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/pkg/errors"
)

type rewriteRule struct {
	re   *regexp.Regexp
	repl string
}

// Applied in order; later rules see the output of earlier ones.
var rewriteRules = []rewriteRule{
	{regexp.MustCompile(`export\s+default\s+function\s+(\w+)`), "function $1"},
	{regexp.MustCompile(`export\s+default\s+(\w+)\s*;?`), ""},
	{regexp.MustCompile(`export\s+function\s+(\w+)`), "function $1"},
	{regexp.MustCompile(`export\s+const\s+(\w+)`), "const $1"},
	{regexp.MustCompile(`import\s+.*?from\s+['"].*?['"];?`), "// import removed"},
}

// Rewrite removes module syntax so the code can run as a plain script: export
// markers are dropped, the named export stays an ordinary declaration and
// import statements become comments.
func Rewrite(code string) string {
	for _, r := range rewriteRules {
		code = r.re.ReplaceAllString(code, r.repl)
	}
	return code
}

// Prelude binds the hooks generated components usually take from React.
const Prelude = "const { useState, useEffect, useRef, useMemo, useCallback } = React;"

// Wrap puts rewritten code into the mount script: it renders App into #root
// and posts exactly one message to window.parent.
func Wrap(rewritten string) string {
	return Prelude + `
try {
` + rewritten + `
  const rootElement = document.getElementById('root');
  const root = ReactDOM.createRoot(rootElement);
  if (typeof App === 'undefined') {
    throw new Error(` + jsString(MissingAppMessage) + `);
  }
  root.render(<App />);
  window.parent.postMessage({ type: '` + TypeLoaded + `' }, '*');
} catch (error) {
  const message = error && error.message ? error.message : String(error);
  try {
    ReactDOM.createRoot(document.getElementById('root')).render(
      <div className="error-container">{'Error: ' + message}</div>
    );
  } catch (ignored) {}
  window.parent.postMessage({ type: '` + TypeError + `', message: message }, '*');
}
`
}

// Transpile turns a JSX script into plain ES2017 using React.createElement.
func Transpile(source string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Loader:      api.LoaderJSX,
		JSXFactory:  "React.createElement",
		JSXFragment: "React.Fragment",
		Target:      api.ES2017,
		Sourcefile:  "App.jsx",
		Charset:     api.CharsetUTF8,
	})
	if len(result.Errors) > 0 {
		e := result.Errors[0]
		if e.Location != nil {
			return "", errors.Errorf("%s (line %d, column %d)", e.Text, e.Location.Line, e.Location.Column)
		}
		return "", errors.New(e.Text)
	}
	return string(result.Code), nil
}

// Build runs Rewrite, Wrap and Transpile.
func Build(code string) (string, error) {
	return Transpile(Wrap(Rewrite(code)))
}

func jsString(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '\\':
			out = append(out, '\\', c)
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, c)
		}
	}
	return string(append(out, '\''))
}
