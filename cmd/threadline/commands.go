package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"threadline/internal/api"
	"threadline/internal/app"
	"threadline/internal/config"
	"threadline/internal/logging"
	"threadline/internal/tui"
)

func tuiCommand() *cli.Command {
	return &cli.Command{
		Name:  "tui",
		Usage: "Open the terminal UI (default)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Usage: "Resume this session instead of the most recent one"},
			&cli.BoolFlag{Name: "no-launcher", Usage: "Skip the launcher and open the chat tab"},
		},
		Action: runTUI,
	}
}

// runTUI owns the terminal, so logging goes to the configured file only.
func runTUI(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	closeLog, err := logging.Setup(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return tui.Run(c.Context, a.Sessions, a.Model, tui.Options{
		AltScreen:    cfg.TUI.AltScreen,
		Launcher:     cfg.TUI.Launcher && !c.Bool("no-launcher"),
		PollInterval: cfg.PollInterval(),
		SessionID:    c.String("session"),
	})
}

func graphCommand() *cli.Command {
	return &cli.Command{
		Name:    "graph",
		Aliases: []string{"g"},
		Usage:   "Inspect registered graphs",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List graphs",
				Flags:  []cli.Flag{jsonFlag()},
				Action: runGraphList,
			},
		},
	}
}

func runGraphList(c *cli.Context) error {
	return withApp(c, func(a *app.App) error {
		graphs := a.Engine.Graphs()
		if c.Bool("json") {
			return printJSON(c.App.Writer, graphs)
		}
		rows := make([][]string, 0, len(graphs))
		for _, g := range graphs {
			id := g.ID
			if id == a.Threads.DefaultGraph() {
				id += " *"
			}
			rows = append(rows, []string{id, g.Entry, strings.Join(g.Nodes, ", "), g.Description})
		}
		printTable(c.App.Writer, []string{"GRAPH", "ENTRY", "NODES", "DESCRIPTION"}, rows)
		return nil
	})
}

// configCommand returns the config command
func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize a new configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "threadline.toml",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration file",
				Action: runConfigValidate,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")
	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	source := cfg.Source
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(c.App.Writer, "Configuration is valid (%s)\n", source)
	return nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (default from [server] in config)",
			},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, func(a *app.App) error {
				addr := c.String("addr")
				if addr == "" {
					addr = a.Config.ServerAddr()
				}
				fmt.Fprintf(c.App.Writer, "Starting threadline API server on %s...\n", addr)
				return api.NewServer(addr, a.Sessions, a.Model).Start(c.Context)
			})
		},
	}
}
