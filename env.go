package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"changkun.de/x/plandash/internal/eventlog"
	"changkun.de/x/plandash/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func envCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Show the effective configuration and the state of the plan directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			return runEnvCheck(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	addServerFlags(cmd.Flags())
	return cmd
}

func runEnvCheck(ctx context.Context, out io.Writer, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	out.Write(data)
	fmt.Fprintln(out)

	paths := store.Paths{Root: cfg.PlanDir}
	if info, err := os.Stat(paths.Root); err != nil {
		fmt.Fprintf(out, "[!] Plan directory does not exist (run 'plandash run' to auto-create)\n")
		return nil
	} else if !info.IsDir() {
		fmt.Fprintf(out, "[!] %s is not a directory\n", paths.Root)
		return nil
	}
	fmt.Fprintf(out, "[ok] Plan directory exists\n")

	d, err := store.DetectLayout(paths)
	if err != nil {
		fmt.Fprintf(out, "[!] Cannot detect storage layout: %v\n", err)
		return nil
	}
	switch d.Layout {
	case store.LayoutPerRecord:
		entries, err := store.NewRecordStore(paths, nil).Entries(ctx)
		if err != nil {
			fmt.Fprintf(out, "[!] Cannot read task index: %v\n", err)
		} else {
			fmt.Fprintf(out, "[ok] Per-task storage with %d indexed task(s)\n", len(entries))
		}
		if d.Ambiguous && !d.LegacyArchived {
			fmt.Fprintf(out, "[!] %s exists next to %s and is ignored\n", paths.Legacy(), paths.RecordsDir())
			fmt.Fprintf(out, "    Run 'plandash migrate' to import and archive it.\n")
		}
	case store.LayoutMonolithic:
		raw, err := os.ReadFile(paths.Legacy())
		if err != nil {
			fmt.Fprintf(out, "[ok] No tasks yet; new tasks will be stored per task\n")
			break
		}
		items, _, err := store.ParseLegacy(raw)
		if err != nil {
			fmt.Fprintf(out, "[!] %s cannot be read: %v\n", paths.Legacy(), err)
			break
		}
		fmt.Fprintf(out, "[ok] Monolithic storage with %d task(s)\n", len(items))
		fmt.Fprintf(out, "    Run 'plandash migrate' to switch to per-task files.\n")
	}

	if recs, err := eventlog.ReadAll(paths.EventLog()); err != nil {
		fmt.Fprintf(out, "[!] Event log unreadable: %v\n", err)
	} else {
		fmt.Fprintf(out, "[ok] Event log has %d record(s)\n", len(recs))
	}

	for _, doc := range []string{paths.HumanRequests(), paths.Roadmap(), paths.UserStories()} {
		if _, err := os.Stat(doc); err != nil {
			fmt.Fprintf(out, "[!] %s not found\n", doc)
		} else {
			fmt.Fprintf(out, "[ok] %s found\n", doc)
		}
	}

	if cfg.UIDir != "" {
		if info, err := os.Stat(cfg.UIDir); err != nil || !info.IsDir() {
			fmt.Fprintf(out, "[!] UI directory not found: %s\n", cfg.UIDir)
		} else {
			fmt.Fprintf(out, "[ok] UI directory found: %s\n", cfg.UIDir)
		}
	}
	return nil
}
