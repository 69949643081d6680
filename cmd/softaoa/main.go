// Command softaoa runs the Android Open Accessory host: it switches
// attached phones into accessory mode, follows their slide and metadata
// commands and plays their audio.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/ardnew/softaoa/config"
	"github.com/ardnew/softaoa/pkg"
)

// These values are set at compile-time.
var (
	Version  = "dev"
	Revision = ""
)

const configKey = "config"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                   "softaoa",
		Usage:                  "Android Open Accessory host.",
		Description:            "Negotiates accessory mode with attached Android devices and runs slideshow sessions.",
		DefaultCommand:         "run",
		UseShortOptionHandling: true,
		Suggest:                true,
		Flags:                  config.Flags(),
		Before:                 loadConfig,
		Commands: []*cli.Command{
			runCommand(),
			listCommand(),
			classifyCommand(),
			simulateCommand(),
			{
				Name:  "version",
				Usage: "Print the build version.",
				Action: func(cliCtx *cli.Context) error {
					fmt.Fprintf(cliCtx.App.Writer, "softaoa %s %s\n", Version, Revision)
					return nil
				},
			},
		},
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err == nil {
				return
			}
			printError(err)
		},
	}
}

// loadConfig merges the config file and root flags, then applies the
// logging settings. The result is kept in the app metadata.
func loadConfig(cliCtx *cli.Context) error {
	path, required := cliCtx.String(config.FlagConfig), true
	if path == "" {
		path, required = config.DefaultPath(), false
	}

	cfg, err := config.Load(path, required, cliCtx)
	if err != nil {
		return err
	}

	level, _ := pkg.ParseLogLevel(cfg.LogLevel)
	format, _ := pkg.ParseLogFormat(cfg.LogFormat)
	pkg.SetLogLevel(level)
	pkg.SetLogFormat(format)

	if cliCtx.App.Metadata == nil {
		cliCtx.App.Metadata = map[string]any{}
	}
	cliCtx.App.Metadata[configKey] = cfg
	return nil
}

func configFrom(cliCtx *cli.Context) (config.Config, error) {
	cfg, ok := cliCtx.App.Metadata[configKey].(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgRed, color.Bold).Sprint("[ERROR]"), err)
}
