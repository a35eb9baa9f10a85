package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"threadline/internal/app"
	"threadline/internal/thread"
)

func threadCommand() *cli.Command {
	return &cli.Command{
		Name:    "thread",
		Aliases: []string{"t"},
		Usage:   "Manage threads",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List threads, most recently updated first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Only threads with this status"},
					&cli.StringFlag{Name: "graph", Usage: "Only threads on this graph"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of threads"},
					jsonFlag(),
				},
				Action: runThreadList,
			},
			{
				Name:      "show",
				Usage:     "Show a thread and its current state",
				ArgsUsage: "<thread-id>",
				Action:    runThreadShow,
			},
			{
				Name:  "create",
				Usage: "Create a thread",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "graph", Aliases: []string{"g"}, Usage: "Graph id (default from config)"},
					&cli.StringFlag{Name: "title", Usage: "Thread title"},
					&cli.StringSliceFlag{Name: "meta", Usage: "Metadata as key=value (repeatable)"},
				},
				Action: runThreadCreate,
			},
			{
				Name:      "send",
				Usage:     "Send a message to a thread and print the reply",
				ArgsUsage: "<thread-id> <text...>",
				Action:    runThreadSend,
			},
			{
				Name:      "fork",
				Usage:     "Fork a thread from a checkpoint (latest by default)",
				ArgsUsage: "<thread-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "checkpoint", Usage: "Checkpoint id to fork from"},
					&cli.StringFlag{Name: "name", Usage: "Branch name"},
				},
				Action: runThreadFork,
			},
			{
				Name:      "snapshot",
				Usage:     "Snapshot a thread's checkpoints",
				ArgsUsage: "<thread-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Snapshot name"},
					&cli.BoolFlag{Name: "list", Usage: "List snapshots instead of creating one"},
				},
				Action: runThreadSnapshot,
			},
			{
				Name:      "restore",
				Usage:     "Restore a thread to a snapshot",
				ArgsUsage: "<snapshot-id>",
				Action:    runThreadRestore,
			},
			{
				Name:      "rollback",
				Usage:     "Roll a thread back to an earlier checkpoint",
				ArgsUsage: "<thread-id> <checkpoint-id>",
				Action:    runThreadRollback,
			},
			{
				Name:      "merge",
				Usage:     "Merge the source thread's state into the target",
				ArgsUsage: "<target-id> <source-id>",
				Flags:     []cli.Flag{strategyFlag()},
				Action:    runThreadMerge,
			},
			{
				Name:      "sync",
				Usage:     "Bring several threads to a common state",
				ArgsUsage: "<thread-id> <thread-id> [thread-id...]",
				Flags:     []cli.Flag{strategyFlag()},
				Action:    runThreadSync,
			},
			{
				Name:      "history",
				Usage:     "List a thread's checkpoints, newest first",
				ArgsUsage: "<thread-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum number of checkpoints"},
					jsonFlag(),
				},
				Action: runThreadHistory,
			},
			{
				Name:      "delete",
				Usage:     "Delete a thread and its checkpoints",
				ArgsUsage: "<thread-id>",
				Action:    runThreadDelete,
			},
		},
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{Name: "json", Usage: "Print JSON instead of a table"}
}

func strategyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "strategy",
		Aliases: []string{"s"},
		Usage:   "Merge strategy: latest, master_slave or bidirectional",
		Value:   string(thread.MergeLatest),
	}
}

func runThreadList(c *cli.Context) error {
	filter := thread.Filter{GraphID: c.String("graph"), Limit: c.Int("limit")}
	if raw := c.String("status"); raw != "" {
		status, err := thread.ParseStatus(raw)
		if err != nil {
			return err
		}
		filter.Status = status
	}
	return withApp(c, func(a *app.App) error {
		threads, err := a.Threads.ListThreads(c.Context, filter)
		if err != nil {
			return err
		}
		if c.Bool("json") {
			return printJSON(c.App.Writer, threads)
		}
		rows := make([][]string, 0, len(threads))
		for _, t := range threads {
			rows = append(rows, []string{t.ThreadID, t.GraphID, string(t.Status), t.Title(), t.UpdatedAt.Local().Format(time.DateTime)})
		}
		printTable(c.App.Writer, []string{"ID", "GRAPH", "STATUS", "TITLE", "UPDATED"}, rows)
		return nil
	})
}

func runThreadShow(c *cli.Context) error {
	if err := requireArgs(c, 1, "<thread-id>"); err != nil {
		return err
	}
	return withApp(c, func(a *app.App) error {
		id := c.Args().First()
		t, err := a.Threads.GetThread(c.Context, id)
		if err != nil {
			return err
		}
		cp, err := a.Threads.GetState(c.Context, id, "")
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, map[string]any{"thread": t, "checkpoint": cp})
	})
}

func runThreadCreate(c *cli.Context) error {
	meta, err := parseMeta(c.StringSlice("meta"))
	if err != nil {
		return err
	}
	if title := strings.TrimSpace(c.String("title")); title != "" {
		meta = thread.MergeMaps(meta, map[string]any{"title": title})
	}
	return withApp(c, func(a *app.App) error {
		t, err := a.Threads.CreateThread(c.Context, c.String("graph"), meta)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Created thread %s on graph %s\n", t.ThreadID, t.GraphID)
		return nil
	})
}

func runThreadSend(c *cli.Context) error {
	if err := requireArgs(c, 2, "<thread-id> <text...>"); err != nil {
		return err
	}
	text := strings.Join(c.Args().Tail(), " ")
	return withApp(c, func(a *app.App) error {
		reply, err := a.Threads.SendMessage(c.Context, c.Args().First(), text)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, reply.Content)
		return nil
	})
}

func runThreadFork(c *cli.Context) error {
	if err := requireArgs(c, 1, "<thread-id>"); err != nil {
		return err
	}
	return withApp(c, func(a *app.App) error {
		forked, branch, err := a.Threads.Fork(c.Context, c.Args().First(), c.String("checkpoint"), c.String("name"))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Forked %s as %s (branch %s at checkpoint %s)\n",
			short(branch.SourceThreadID), forked.ThreadID, branch.BranchName, short(branch.SourceCheckpointID))
		return nil
	})
}

func runThreadSnapshot(c *cli.Context) error {
	if err := requireArgs(c, 1, "<thread-id>"); err != nil {
		return err
	}
	return withApp(c, func(a *app.App) error {
		id := c.Args().First()
		if c.Bool("list") {
			snaps, err := a.Threads.ListSnapshots(c.Context, id)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(snaps))
			for _, s := range snaps {
				rows = append(rows, []string{s.SnapshotID, s.Name, fmt.Sprint(len(s.CheckpointIDs)), s.CreatedAt.Local().Format(time.DateTime)})
			}
			printTable(c.App.Writer, []string{"ID", "NAME", "CHECKPOINTS", "CREATED"}, rows)
			return nil
		}
		snap, err := a.Threads.CreateSnapshot(c.Context, id, c.String("name"), nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Created snapshot %s (%s) with %d checkpoints\n", snap.SnapshotID, snap.Name, len(snap.CheckpointIDs))
		return nil
	})
}

func runThreadRestore(c *cli.Context) error {
	if err := requireArgs(c, 1, "<snapshot-id>"); err != nil {
		return err
	}
	return withApp(c, func(a *app.App) error {
		cp, err := a.Threads.RestoreSnapshot(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Restored thread %s, new checkpoint %s\n", cp.ThreadID, cp.CheckpointID)
		return nil
	})
}

func runThreadRollback(c *cli.Context) error {
	if err := requireArgs(c, 2, "<thread-id> <checkpoint-id>"); err != nil {
		return err
	}
	return withApp(c, func(a *app.App) error {
		cp, err := a.Threads.Rollback(c.Context, c.Args().Get(0), c.Args().Get(1))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Rolled back thread %s, new checkpoint %s\n", cp.ThreadID, cp.CheckpointID)
		return nil
	})
}

func runThreadMerge(c *cli.Context) error {
	if err := requireArgs(c, 2, "<target-id> <source-id>"); err != nil {
		return err
	}
	strategy, err := thread.ParseMergeStrategy(c.String("strategy"))
	if err != nil {
		return err
	}
	return withApp(c, func(a *app.App) error {
		result, err := a.Threads.Merge(c.Context, c.Args().Get(0), c.Args().Get(1), strategy)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Merged (%s), updated %d threads\n", result.Strategy, len(result.Updated))
		return nil
	})
}

func runThreadSync(c *cli.Context) error {
	if err := requireArgs(c, 2, "<thread-id> <thread-id> [thread-id...]"); err != nil {
		return err
	}
	strategy, err := thread.ParseMergeStrategy(c.String("strategy"))
	if err != nil {
		return err
	}
	return withApp(c, func(a *app.App) error {
		result, err := a.Threads.Sync(c.Context, c.Args().Slice(), strategy)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Synced (%s), updated %d threads\n", result.Strategy, len(result.Updated))
		return nil
	})
}

func runThreadHistory(c *cli.Context) error {
	if err := requireArgs(c, 1, "<thread-id>"); err != nil {
		return err
	}
	return withApp(c, func(a *app.App) error {
		history, err := a.Threads.History(c.Context, c.Args().First(), c.Int("limit"))
		if err != nil {
			return err
		}
		if c.Bool("json") {
			return printJSON(c.App.Writer, history)
		}
		rows := make([][]string, 0, len(history))
		for _, cp := range history {
			rows = append(rows, []string{cp.CheckpointID, fmt.Sprint(cp.Step), string(cp.Source), short(cp.Digest), cp.CreatedAt.Local().Format(time.DateTime)})
		}
		printTable(c.App.Writer, []string{"CHECKPOINT", "STEP", "SOURCE", "DIGEST", "CREATED"}, rows)
		return nil
	})
}

func runThreadDelete(c *cli.Context) error {
	if err := requireArgs(c, 1, "<thread-id>"); err != nil {
		return err
	}
	return withApp(c, func(a *app.App) error {
		if err := a.Sessions.DeleteThread(c.Context, c.Args().First()); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Deleted thread %s\n", c.Args().First())
		return nil
	})
}
