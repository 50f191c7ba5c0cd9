package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := NewRunner(RunnerOpts{})
	root := &cli.Command{
		Name:  "viewpool",
		Usage: "Account pool allocation and view dispatch",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (default $VIEWPOOL_CONFIG or config.yaml)",
			},
		},
		Commands: runner.register(),
	}

	if err := root.Run(ctx, os.Args); err != nil {
		log.Fatalf("viewpool: %v", err)
	}
}
