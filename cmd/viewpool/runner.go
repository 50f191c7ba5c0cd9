package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/postreach/viewpool/internal/app"
	"github.com/postreach/viewpool/internal/config"
	"github.com/urfave/cli/v3"
)

// Runner provides one method per CLI action.
type Runner struct {
	output io.Writer
	open   func(ctx context.Context, cfg config.AppConfig) (*app.App, error)
}

// RunnerOpts configures a Runner.
type RunnerOpts struct {
	Output io.Writer
}

// NewRunner creates a Runner writing to opts.Output, stdout by default.
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	return &Runner{output: opts.Output, open: app.Open}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		migrateCommand, workerCommand, viewsCommand, importCommand, statsCommand, accountsCommand, proxiesCommand, settingsCommand,
	} {
		commands = append(commands, fn(r))
	}
	return commands
}

func appConfig(cmd *cli.Command) config.AppConfig {
	return config.AppConfig{ConfigPath: cmd.String("config")}
}

// withApp opens the App for the duration of fn.
func (r *Runner) withApp(ctx context.Context, cmd *cli.Command, fn func(*app.App) error) error {
	a, errOpen := r.open(ctx, appConfig(cmd))
	if errOpen != nil {
		return errOpen
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}

func (r *Runner) writeJSON(data any) error {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := r.output.Write(append(output, '\n')); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writef(format string, args ...any) {
	_, _ = fmt.Fprintf(r.output, format, args...)
}
