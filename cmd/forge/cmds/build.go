package cmds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/weaviate/tiktoken-go"

	"github.com/go-go-golems/forge/pkg/generation"
	"github.com/go-go-golems/forge/pkg/grammar"
	"github.com/go-go-golems/forge/pkg/models"
	"github.com/go-go-golems/forge/pkg/preview"
	"github.com/go-go-golems/forge/pkg/session"
	"github.com/go-go-golems/forge/pkg/transcript"
)

type BuildSettings struct {
	Server      string        `mapstructure:"server"`
	Model       string        `mapstructure:"model"`
	Out         string        `mapstructure:"out"`
	Copy        bool          `mapstructure:"copy"`
	Stats       bool          `mapstructure:"stats"`
	Preferences string        `mapstructure:"preferences"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func newBuildCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [prompt]",
		Short: "Build an app from a prompt against a running forge server",
		Long: "Streams one response from the server's generation endpoint, prints the plan, " +
			"tool rows and summary as they complete and renders the final code in the preview sandbox. " +
			"The prompt is read from stdin when no argument is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s BuildSettings
			if err := a.v.Unmarshal(&s); err != nil {
				return errors.Wrap(err, "decode build settings")
			}
			prompt, err := readPrompt(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runBuild(cmd.Context(), cmd.OutOrStdout(), s, prompt)
		},
	}

	f := cmd.Flags()
	f.String("server", "http://localhost:8080", "Base URL of the forge server")
	f.String("model", "", "Model id; defaults to the saved preference")
	f.String("out", "", "Write the preview document to this HTML file")
	f.Bool("copy", false, "Copy the generated code to the clipboard")
	f.Bool("stats", false, "Print token statistics of the response")
	f.String("preferences", "", "Preferences file (default $XDG_CONFIG_HOME/forge/preferences.yaml)")
	f.Duration("timeout", 5*time.Minute, "Limit on the whole exchange")
	return cmd
}

func readPrompt(args []string, in io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", errors.Wrap(err, "read prompt from stdin")
	}
	return string(b), nil
}

func preferenceStore(path string) (*models.PreferenceStore, error) {
	if path == "" {
		p, err := models.DefaultPreferencesPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return models.NewPreferenceStore(path), nil
}

// resolveModel prefers the flag, then the saved preference. A valid flag value
// is saved as the new preference.
func resolveModel(flag string, prefs *models.PreferenceStore) models.Model {
	if flag != "" && models.IsValid(flag) {
		if err := prefs.Save(flag); err != nil {
			log.Warn().Err(err).Str("component", "build").Msg("could not save model preference")
		}
		return models.Resolve(flag)
	}
	if flag != "" {
		log.Warn().Str("component", "build").Str("model", flag).Msg("unknown model, using the saved preference")
	}
	return models.Resolve(prefs.Load())
}

func runBuild(ctx context.Context, w io.Writer, s BuildSettings, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return session.ErrEmptyPrompt
	}
	prefs, err := preferenceStore(s.Preferences)
	if err != nil {
		return err
	}
	model := resolveModel(s.Model, prefs)

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd())
	}
	printer := NewPrinter(w, styled)
	printer.Note(fmt.Sprintf("Building with %s (%s)", model.Name, model.ID))

	renderer := preview.NewRenderer(preview.RendererConfig{})
	defer renderer.Close()
	renderer.Publish(grammar.DefaultCode())

	sess, err := session.New(session.Config{
		ID:          "cli",
		Backend:     &generation.HTTPBackend{BaseURL: s.Server, Client: &http.Client{}},
		Transcript:  transcript.NewStore(),
		Model:       func() string { return model.ID },
		Publisher:   session.CodePublisherFunc(func(code string) { renderer.Publish(code) }),
		Observer:    printer,
		InitialCode: grammar.DefaultCode(),
	})
	if err != nil {
		return err
	}

	res, err := sess.Submit(ctx, prompt)
	if err != nil {
		printer.Error("Failed to generate response")
		return err
	}

	code := sess.Code()
	out := renderer.Current().Wait(ctx)
	switch {
	case out.Message != nil && out.Message.IsError():
		printer.Error("Preview error: " + out.Message.Message)
	case out.TimedOut:
		printer.Note("Preview did not report back in time")
	default:
		printer.Note("Preview rendered")
	}

	if s.Stats {
		printStats(printer, res.AssistantTurn.Text(), code)
	}
	if s.Out != "" {
		doc, err := preview.Document(code, out.Markup)
		if err != nil {
			return errors.Wrap(err, "render preview document")
		}
		if err := os.WriteFile(s.Out, []byte(doc), 0o644); err != nil {
			return errors.Wrapf(err, "write %s", s.Out)
		}
		printer.Note("Wrote " + s.Out)
	}
	if s.Copy {
		if err := clipboard.WriteAll(code); err != nil {
			return errors.Wrap(err, "copy code to clipboard")
		}
		printer.Note("Code copied to the clipboard")
	}
	return nil
}

func printStats(p *Printer, response, code string) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn().Err(err).Str("component", "build").Msg("token encoding unavailable")
		return
	}
	p.Note(fmt.Sprintf("Response: %d tokens, %d bytes; code: %d tokens, %d lines",
		len(enc.Encode(response, nil, nil)), len(response),
		len(enc.Encode(code, nil, nil)), strings.Count(code, "\n")+1))
}
