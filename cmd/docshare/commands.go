package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/maruel/docshare/internal/config"
	"github.com/maruel/docshare/internal/storage/cas"
	"github.com/maruel/docshare/internal/storage/cow"
	"github.com/maruel/docshare/internal/storage/meta"
)

var stdout io.Writer = os.Stdout

func (a *app) run(ctx context.Context, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "store":
		if err := nargs(args, 1, 1); err != nil {
			return err
		}
		data, err := os.ReadFile(args[0]) //nolint:gosec // G304: user supplied input file
		if err != nil {
			return err
		}
		e, err := a.svc.Library().Store(ctx, data, map[string]string{"source": args[0]})
		if err != nil {
			return err
		}
		return printJSON(e)
	case "attach":
		if err := nargs(args, 3, 4); err != nil {
			return err
		}
		h, err := parseHash(args[2])
		if err != nil {
			return err
		}
		path := ""
		if len(args) == 4 {
			path = args[3]
		}
		ref, err := a.svc.AttachUserAt(ctx, args[0], args[1], h, path)
		if err != nil {
			return err
		}
		return printJSON(ref)
	case "write":
		if err := nargs(args, 3, 4); err != nil {
			return err
		}
		data, err := os.ReadFile(args[2]) //nolint:gosec // G304: user supplied input file
		if err != nil {
			return err
		}
		var base cas.ContentHash
		if len(args) == 4 {
			if base, err = parseHash(args[3]); err != nil {
				return err
			}
		}
		res, err := a.svc.WriteUser(ctx, args[0], args[1], data, base)
		if err != nil {
			return err
		}
		return printJSON(res)
	case "read":
		if err := nargs(args, 2, 2); err != nil {
			return err
		}
		res, err := a.svc.ReadUser(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		_, err = stdout.Write(res.Data)
		return err
	case "revert":
		if err := nargs(args, 2, 2); err != nil {
			return err
		}
		ref, err := a.svc.RevertUser(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(ref)
	case "remove":
		if err := nargs(args, 2, 2); err != nil {
			return err
		}
		return a.svc.RemoveUser(ctx, args[0], args[1])
	case "event":
		return a.event(ctx, args)
	case "events":
		if err := nargs(args, 1, 1); err != nil {
			return err
		}
		events, err := a.svc.EditHistory(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(events)
	case "gc":
		if err := nargs(args, 0, 0); err != nil {
			return err
		}
		res, err := a.svc.SweepGarbage(ctx)
		if err != nil {
			return err
		}
		return errors.Join(append([]error{printJSON(res)}, res.Errors...)...)
	case "cleanup":
		if err := nargs(args, 0, 0); err != nil {
			return err
		}
		res, err := a.svc.CleanupStaleIsolated(ctx, a.cfg.GC.StaleIsolatedAge)
		if err != nil {
			return err
		}
		return errors.Join(append([]error{printJSON(res)}, res.Errors...)...)
	case "stats":
		if err := nargs(args, 0, 0); err != nil {
			return err
		}
		st, err := a.svc.GetStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	case "serve":
		if err := nargs(args, 0, 0); err != nil {
			return err
		}
		return a.serve(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) event(ctx context.Context, args []string) error {
	if err := nargs(args, 3, 4); err != nil {
		return err
	}
	ev := cow.PathEvent{UserID: args[0], Operation: meta.Operation(args[1]), Path: args[2], Source: "cli"}
	switch ev.Operation {
	case meta.OpCreate, meta.OpUpdate:
		if len(args) != 4 {
			return fmt.Errorf("%s requires a file", ev.Operation)
		}
		data, err := os.ReadFile(args[3]) //nolint:gosec // G304: user supplied input file
		if err != nil {
			return err
		}
		ev.Data = data
	case meta.OpMove, meta.OpCopy:
		if len(args) != 4 {
			return fmt.Errorf("%s requires a target path", ev.Operation)
		}
		ev.TargetPath = args[3]
	}
	out, err := a.svc.RecordPathEvent(ctx, ev)
	if err != nil {
		return err
	}
	return printJSON(out)
}

// serve runs a sweep and a cleanup every gc.interval until ctx is done.
// Changes to docshare.yaml apply to the next round.
func (a *app) serve(ctx context.Context) error {
	var gc atomic.Pointer[config.GCConfig]
	gc.Store(&a.cfg.GC)
	err := config.Watch(ctx, a.dataDir, func(c *config.Config) {
		gc.Store(&c.GC)
		a.svc.SetGCPolicy(c.GC.Policy())
	})
	if err != nil {
		return fmt.Errorf("failed to watch configuration: %w", err)
	}
	slog.InfoContext(ctx, "Serving", "dir", a.dataDir, "interval", a.cfg.GC.Interval)
	for ctx.Err() == nil {
		g := gc.Load()
		a.collect(ctx, g)
		t := time.NewTimer(g.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	slog.InfoContext(ctx, "Stopped")
	return nil
}

// collect runs one sweep and one cleanup. Failures are logged.
func (a *app) collect(ctx context.Context, g *config.GCConfig) {
	if res, err := a.svc.SweepGarbage(ctx); err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "Garbage sweep failed", "err", err)
		}
	} else if len(res.Errors) != 0 {
		slog.WarnContext(ctx, "Garbage sweep had errors", "err", errors.Join(res.Errors...))
	}
	if res, err := a.svc.CleanupStaleIsolated(ctx, g.StaleIsolatedAge); err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "Stale ref cleanup failed", "err", err)
		}
	} else if len(res.Errors) != 0 {
		slog.WarnContext(ctx, "Stale ref cleanup had errors", "err", errors.Join(res.Errors...))
	}
}

func nargs(args []string, lo, hi int) error {
	if len(args) < lo || len(args) > hi {
		if lo == hi {
			return fmt.Errorf("expected %d arguments, got %d", lo, len(args))
		}
		return fmt.Errorf("expected %d to %d arguments, got %d", lo, hi, len(args))
	}
	return nil
}

func parseHash(s string) (cas.ContentHash, error) {
	h := cas.ContentHash(s)
	if err := h.Validate(); err != nil {
		return "", fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return h, nil
}

func printJSON(v any) error {
	e := json.NewEncoder(stdout)
	e.SetIndent("", "  ")
	return e.Encode(v)
}
