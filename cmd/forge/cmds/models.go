package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	glazed_cmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/forge/pkg/models"
)

type ModelsCommand struct {
	*glazed_cmds.CommandDescription
}

type ModelsSettings struct {
	Preferences string `glazed:"preferences"`
}

func NewModelsCommand() (*ModelsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := glazed_cmds.NewCommandDescription(
		"models",
		glazed_cmds.WithShort("List the available models"),
		glazed_cmds.WithLong("List the models a prompt can be sent to, marking the default and the saved preference."),
		glazed_cmds.WithFlags(
			fields.New(
				"preferences",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Preferences file (default $XDG_CONFIG_HOME/forge/preferences.yaml)"),
			),
		),
		glazed_cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ModelsCommand{CommandDescription: desc}, nil
}

func (c *ModelsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ModelsSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	prefs, err := preferenceStore(s.Preferences)
	if err != nil {
		return err
	}
	for _, row := range modelRows(prefs.Load()) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ glazed_cmds.GlazeCommand = &ModelsCommand{}

func modelRows(preferred string) []types.Row {
	all := models.All()
	rows := make([]types.Row, 0, len(all))
	for _, m := range all {
		rows = append(rows, types.NewRow(
			types.MRP("id", m.ID),
			types.MRP("name", m.Name),
			types.MRP("provider", string(m.Provider)),
			types.MRP("thinking", m.Thinking),
			types.MRP("default", m.ID == models.DefaultID),
			types.MRP("preferred", m.ID == preferred),
			types.MRP("description", m.Description),
		))
	}
	return rows
}

func newModelsCommand() (*cobra.Command, error) {
	c, err := NewModelsCommand()
	if err != nil {
		return nil, err
	}
	return cli.BuildCobraCommand(c)
}
