package cmds

import (
	"os"
	"strings"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by forge.
const EnvPrefix = "FORGE"

type app struct {
	v *viper.Viper
}

func NewRootCommand() (*cobra.Command, error) {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:          "forge",
		Short:        "forge builds small React apps from a prompt",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	// log-level, log-format, log-file and with-caller come from the glazed
	// logging section.
	if err := clay.InitGlazed("forge", root); err != nil {
		return nil, errors.Wrap(err, "init glazed")
	}
	if root.PersistentFlags().Lookup("config") == nil {
		root.PersistentFlags().String("config", "", "YAML config file")
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, root)

	modelsCmd, err := newModelsCommand()
	if err != nil {
		return nil, err
	}
	root.AddCommand(
		newServeCommand(a),
		newBuildCommand(a),
		modelsCmd,
	)
	return root, nil
}

// init loads .env, installs the global logger from the logging flags and
// binds flags, environment and the config file.
func (a *app) init(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "load .env")
	}
	if err := logging.InitLoggerFromCobra(cmd); err != nil {
		return errors.Wrap(err, "init logger")
	}
	return bindConfig(a.v, cmd.Flags())
}

func bindConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return errors.Wrap(err, "bind flags")
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", path)
		}
	}
	return nil
}
