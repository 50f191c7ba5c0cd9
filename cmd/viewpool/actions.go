package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/postreach/viewpool/internal/app"
	"github.com/postreach/viewpool/internal/reports"
	"github.com/postreach/viewpool/internal/settings"
	"github.com/postreach/viewpool/internal/util"
	"github.com/postreach/viewpool/internal/views"
	"github.com/urfave/cli/v3"
)

// Migrate runs database migrations.
func (r *Runner) Migrate(ctx context.Context, cmd *cli.Command) error {
	if err := app.Migrate(ctx, appConfig(cmd)); err != nil {
		return err
	}
	r.writef("migrations applied\n")
	return nil
}

// Worker runs the import worker until the process is interrupted.
func (r *Runner) Worker(ctx context.Context, cmd *cli.Command) error {
	return app.RunWorker(ctx, appConfig(cmd))
}

// Views requests views for a post.
func (r *Runner) Views(ctx context.Context, cmd *cli.Command) error {
	return r.withApp(ctx, cmd, func(a *app.App) error {
		svc, errSvc := a.Views(ctx)
		if errSvc != nil {
			return errSvc
		}
		if cmd.Bool("single") {
			account, errAdd := svc.AddView(ctx, cmd.String("post"))
			if errAdd != nil {
				return errAdd
			}
			r.writef("dispatched one view with account %d\n", account.ID)
			return nil
		}

		result, errReq := svc.RequestViews(ctx, views.Request{
			PostURL:     cmd.String("post"),
			Count:       int(cmd.Int("count")),
			RequestedBy: cmd.String("requested-by"),
		})
		if errReq != nil && !errors.Is(errReq, views.ErrDispatchFailed) {
			return errReq
		}
		if cmd.Bool("json") {
			if errWrite := r.writeJSON(result); errWrite != nil {
				return errWrite
			}
		} else {
			r.writef("task %d: requested %d, allocated %d, dispatched %d, failed %d (x%d)\n",
				result.TaskID, result.Requested, result.Fulfilled, result.Succeeded, result.Failed, result.DuplicationFactor)
		}
		return errReq
	})
}

// Import stages a directory of accounts and queues it for the worker.
func (r *Runner) Import(ctx context.Context, cmd *cli.Command) error {
	dir := strings.TrimSpace(cmd.Args().First())
	if dir == "" {
		return fmt.Errorf("import directory is required")
	}
	items, proxyList, errLoad := loadImportDir(dir)
	if errLoad != nil {
		return errLoad
	}
	if path := strings.TrimSpace(cmd.String("proxies")); path != "" {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			return fmt.Errorf("read proxy list: %w", errRead)
		}
		proxyList = string(data)
	}

	return r.withApp(ctx, cmd, func(a *app.App) error {
		submitter, errSubmitter := a.Submitter(ctx)
		if errSubmitter != nil {
			return errSubmitter
		}
		batch, errSubmit := submitter.Submit(ctx, cmd.String("requested-by"), items, proxyList)
		if errSubmit != nil {
			return errSubmit
		}
		r.writef("batch %s queued with %d accounts\n", batch.BatchID, batch.TotalCount)
		return nil
	})
}

// ImportStatus prints one batch.
func (r *Runner) ImportStatus(ctx context.Context, cmd *cli.Command) error {
	batchID := strings.TrimSpace(cmd.Args().First())
	if batchID == "" {
		return fmt.Errorf("batch id is required")
	}
	return r.withApp(ctx, cmd, func(a *app.App) error {
		batch, errGet := a.Reports().GetImport(ctx, batchID)
		if errGet != nil {
			return errGet
		}
		batch.Manifest = nil
		return r.writeJSON(batch)
	})
}

// ImportList prints import batches.
func (r *Runner) ImportList(ctx context.Context, cmd *cli.Command) error {
	return r.withApp(ctx, cmd, func(a *app.App) error {
		rows, total, errList := a.Reports().ListImports(ctx, reports.Filter{
			Status:   cmd.String("status"),
			Page:     int(cmd.Int("page")),
			PageSize: int(cmd.Int("page-size")),
		})
		if errList != nil {
			return errList
		}
		r.writef("%d batches\n", total)
		for _, row := range rows {
			r.writef("%s  %-10s  total=%d created=%d skipped=%d failed=%d  %s\n",
				row.BatchID, row.Status, row.TotalCount, row.CreatedCount, row.SkippedCount, row.FailedCount, row.Error)
		}
		return nil
	})
}

// Stats prints pool statistics.
func (r *Runner) Stats(ctx context.Context, cmd *cli.Command) error {
	return r.withApp(ctx, cmd, func(a *app.App) error {
		svc := a.Reports()
		stats, errStats := svc.Stats(ctx)
		if errStats != nil {
			return errStats
		}
		var (
			available *int64
			ledger    []uint64
		)
		if post := strings.TrimSpace(cmd.String("post")); post != "" {
			n, errAvail := svc.AvailableForPost(ctx, post)
			if errAvail != nil {
				return errAvail
			}
			available = &n
			ids, errLedger := svc.PostLedger(ctx, post)
			if errLedger != nil {
				return errLedger
			}
			ledger = ids
		}
		if cmd.Bool("json") {
			return r.writeJSON(struct {
				reports.Stats
				AvailableForPost *int64   `json:",omitempty"`
				UsedByAccounts   []uint64 `json:",omitempty"`
			}{stats, available, ledger})
		}

		r.writef("accounts: %d total, %d active, %d inactive\n", stats.TotalAccounts, stats.ActiveAccounts, stats.InactiveAccounts)
		r.writef("proxies:  %d total, %d active\n", stats.TotalProxies, stats.ActiveProxies)
		r.writef("tasks:    %d\n", stats.TotalTasks)
		if available != nil {
			r.writef("available for post: %d\n", *available)
			r.writef("used for post:      %d accounts %v\n", len(ledger), ledger)
		}
		r.writef("most used accounts:\n")
		for _, acc := range stats.TopAccounts {
			r.writef("  #%d  %-12s %-20s usage=%d active=%t\n", acc.ID, acc.ExternalID, acc.Username, acc.UsageCount, acc.IsActive)
		}
		return nil
	})
}

// Tasks prints view tasks.
func (r *Runner) Tasks(ctx context.Context, cmd *cli.Command) error {
	return r.withApp(ctx, cmd, func(a *app.App) error {
		rows, total, errList := a.Reports().ListTasks(ctx, reports.Filter{
			PostURL:  cmd.String("post"),
			Page:     int(cmd.Int("page")),
			PageSize: int(cmd.Int("page-size")),
		})
		if errList != nil {
			return errList
		}
		r.writef("%d tasks\n", total)
		for _, row := range rows {
			r.writef("#%d  %s  %d/%d  by %s  %s\n", row.ID, row.CreatedAt.Format("2006-01-02 15:04:05"),
				row.FulfilledCount, row.RequestedCount, row.RequestedBy, row.PostURL)
		}
		return nil
	})
}

// ProxyList prints every proxy with masked credentials.
func (r *Runner) ProxyList(ctx context.Context, cmd *cli.Command) error {
	return r.withApp(ctx, cmd, func(a *app.App) error {
		rows, errList := a.Reports().ListProxies(ctx)
		if errList != nil {
			return errList
		}
		for _, row := range rows {
			capacity := strconv.Itoa(row.MaxAccounts)
			if row.Unlimited() {
				capacity = "unlimited"
			}
			r.writef("#%d  %-20s %s://%s:%s@%s:%d  bound=%d/%s usage=%d active=%t\n",
				row.ID, row.Name, row.Protocol, row.Login, util.HideSecret(row.Password), row.Host, row.Port,
				row.Bound, capacity, row.UsageCount, row.IsActive)
		}
		return nil
	})
}

// SettingsSet stores a runtime setting.
func (r *Runner) SettingsSet(ctx context.Context, cmd *cli.Command) error {
	key := strings.TrimSpace(cmd.Args().Get(0))
	raw := strings.TrimSpace(cmd.Args().Get(1))
	if key == "" || raw == "" {
		return fmt.Errorf("usage: settings set <key> <value>")
	}
	return r.withApp(ctx, cmd, func(a *app.App) error {
		if errPut := settings.Put(ctx, a.DB, key, settingValue(raw)); errPut != nil {
			return fmt.Errorf("store setting %s: %w", key, errPut)
		}
		r.writef("%s updated\n", key)
		return nil
	})
}

// settingValue keeps valid JSON as-is and stores anything else as a string.
func settingValue(raw string) any {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}

// AccountEnable re-enables an account.
func (r *Runner) AccountEnable(ctx context.Context, cmd *cli.Command) error {
	return r.toggle(ctx, cmd, "account", func(svc *reports.Service, id uint64) error {
		return svc.SetAccountActive(ctx, id, true)
	})
}

// AccountDisable soft-disables an account.
func (r *Runner) AccountDisable(ctx context.Context, cmd *cli.Command) error {
	return r.toggle(ctx, cmd, "account", func(svc *reports.Service, id uint64) error {
		return svc.SetAccountActive(ctx, id, false)
	})
}

// ProxyEnable re-enables a proxy.
func (r *Runner) ProxyEnable(ctx context.Context, cmd *cli.Command) error {
	return r.toggle(ctx, cmd, "proxy", func(svc *reports.Service, id uint64) error {
		return svc.SetProxyActive(ctx, id, true)
	})
}

// ProxyDisable disables a proxy for future binds.
func (r *Runner) ProxyDisable(ctx context.Context, cmd *cli.Command) error {
	return r.toggle(ctx, cmd, "proxy", func(svc *reports.Service, id uint64) error {
		return svc.SetProxyActive(ctx, id, false)
	})
}

// ProxyCapacity sets max_accounts of a proxy.
func (r *Runner) ProxyCapacity(ctx context.Context, cmd *cli.Command) error {
	capacity, errParse := strconv.Atoi(strings.TrimSpace(cmd.Args().Get(1)))
	if errParse != nil {
		return fmt.Errorf("invalid max-accounts %q", cmd.Args().Get(1))
	}
	return r.toggle(ctx, cmd, "proxy", func(svc *reports.Service, id uint64) error {
		return svc.SetProxyCapacity(ctx, id, capacity)
	})
}

func (r *Runner) toggle(ctx context.Context, cmd *cli.Command, kind string, fn func(*reports.Service, uint64) error) error {
	id, errParse := parseID(cmd.Args().First())
	if errParse != nil {
		return errParse
	}
	return r.withApp(ctx, cmd, func(a *app.App) error {
		if errApply := fn(a.Reports(), id); errApply != nil {
			if errors.Is(errApply, reports.ErrNotFound) {
				return fmt.Errorf("%s %d not found", kind, id)
			}
			return errApply
		}
		r.writef("%s %d updated\n", kind, id)
		return nil
	})
}

func parseID(raw string) (uint64, error) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if errParse != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
