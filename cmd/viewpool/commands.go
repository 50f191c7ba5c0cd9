package main

import "github.com/urfave/cli/v3"

func migrateCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Create or update the database schema",
		Action: r.Migrate,
	}
}

func workerCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "Process queued account imports until interrupted",
		Action: r.Worker,
	}
}

func viewsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "views",
		Usage: "Allocate accounts to a post and dispatch view jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "post", Usage: "Target post URL", Required: true},
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "Number of accounts to allocate", Value: 1},
			&cli.StringFlag{Name: "requested-by", Usage: "Requester recorded on the task", Value: "cli"},
			&cli.BoolFlag{Name: "single", Usage: "Dispatch one view with the least used account, without a task record"},
			&cli.BoolFlag{Name: "json", Usage: "Output JSON"},
		},
		Action: r.Views,
	}
}

func importCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Queue a directory of <n>.session/<n>.json pairs, with an optional proxy.txt",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "requested-by", Usage: "Requester recorded on the batch", Value: "cli"},
			&cli.StringFlag{Name: "proxies", Usage: "Proxy list file, overrides <dir>/proxy.txt"},
		},
		Action: r.Import,
		Commands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "Show an import batch",
				ArgsUsage: "<batch-id>",
				Action:    r.ImportStatus,
			},
			{
				Name:  "list",
				Usage: "List import batches, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "queued, processing, completed or failed"},
					&cli.IntFlag{Name: "page", Value: 1},
					&cli.IntFlag{Name: "page-size", Value: 20},
				},
				Action: r.ImportList,
			},
		},
	}
}

func statsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show pool statistics",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "post", Usage: "Also count accounts still available for this post"},
			&cli.BoolFlag{Name: "json", Usage: "Output JSON"},
		},
		Action: r.Stats,
		Commands: []*cli.Command{
			{
				Name:  "tasks",
				Usage: "List view tasks, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "post", Usage: "Case-insensitive post URL substring"},
					&cli.IntFlag{Name: "page", Value: 1},
					&cli.IntFlag{Name: "page-size", Value: 20},
				},
				Action: r.Tasks,
			},
		},
	}
}

func accountsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "accounts",
		Usage: "Account administration",
		Commands: []*cli.Command{
			{Name: "enable", Usage: "Enable an account", ArgsUsage: "<id>", Action: r.AccountEnable},
			{Name: "disable", Usage: "Disable an account", ArgsUsage: "<id>", Action: r.AccountDisable},
		},
	}
}

func proxiesCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "proxies",
		Usage: "Proxy administration",
		Commands: []*cli.Command{
			{Name: "list", Usage: "List proxies with their bound account count", Action: r.ProxyList},
			{Name: "enable", Usage: "Enable a proxy", ArgsUsage: "<id>", Action: r.ProxyEnable},
			{Name: "disable", Usage: "Disable a proxy", ArgsUsage: "<id>", Action: r.ProxyDisable},
			{
				Name:      "capacity",
				Usage:     "Set how many accounts a proxy may hold, 0 for unlimited",
				ArgsUsage: "<id> <max-accounts>",
				Action:    r.ProxyCapacity,
			},
		},
	}
}

func settingsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "settings",
		Usage: "Runtime settings stored in the database",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store a setting, e.g. VIEW_DUPLICATION_FACTOR 3",
				ArgsUsage: "<key> <value>",
				Action:    r.SettingsSet,
			},
		},
	}
}
