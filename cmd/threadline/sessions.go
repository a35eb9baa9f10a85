package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"threadline/internal/app"
)

func sessionCommand() *cli.Command {
	return &cli.Command{
		Name:    "session",
		Aliases: []string{"s"},
		Usage:   "Manage sessions",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List sessions, most recently updated first",
				Flags:  []cli.Flag{jsonFlag()},
				Action: runSessionList,
			},
			{
				Name:      "show",
				Usage:     "Show a session with its requests and interactions",
				ArgsUsage: "<session-id>",
				Action:    runSessionShow,
			},
			{
				Name:  "new",
				Usage: "Start a session",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Usage: "Session title"},
				},
				Action: runSessionNew,
			},
			{
				Name:      "send",
				Usage:     "Send a message through a session's active thread",
				ArgsUsage: "<session-id> <text...>",
				Action:    runSessionSend,
			},
			{
				Name:      "close",
				Usage:     "Close a session",
				ArgsUsage: "<session-id>",
				Action:    runSessionClose,
			},
		},
	}
}

func runSessionList(c *cli.Context) error {
	return withApp(c, func(a *app.App) error {
		sessions, err := a.Sessions.List(c.Context)
		if err != nil {
			return err
		}
		if c.Bool("json") {
			return printJSON(c.App.Writer, sessions)
		}
		rows := make([][]string, 0, len(sessions))
		for _, s := range sessions {
			rows = append(rows, []string{
				s.SessionID,
				s.Title,
				string(s.Status),
				fmt.Sprint(len(s.ThreadIDs)),
				short(s.ActiveThreadID),
				s.UpdatedAt.Local().Format(time.DateTime),
			})
		}
		printTable(c.App.Writer, []string{"ID", "TITLE", "STATUS", "THREADS", "ACTIVE", "UPDATED"}, rows)
		return nil
	})
}

func runSessionShow(c *cli.Context) error {
	if err := requireArgs(c, 1, "<session-id>"); err != nil {
		return err
	}
	return withApp(c, func(a *app.App) error {
		s, err := a.Sessions.Get(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, s)
	})
}

func runSessionNew(c *cli.Context) error {
	return withApp(c, func(a *app.App) error {
		s, err := a.Sessions.Create(c.Context, c.String("title"), map[string]any{"origin": "cli"})
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Created session %s (%s)\n", s.SessionID, s.Title)
		return nil
	})
}

func runSessionSend(c *cli.Context) error {
	if err := requireArgs(c, 2, "<session-id> <text...>"); err != nil {
		return err
	}
	text := strings.Join(c.Args().Tail(), " ")
	return withApp(c, func(a *app.App) error {
		interaction, err := a.Sessions.Submit(c.Context, c.Args().First(), text)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, interaction.Content)
		return nil
	})
}

func runSessionClose(c *cli.Context) error {
	if err := requireArgs(c, 1, "<session-id>"); err != nil {
		return err
	}
	return withApp(c, func(a *app.App) error {
		s, err := a.Sessions.Close(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Closed session %s\n", s.SessionID)
		return nil
	})
}
