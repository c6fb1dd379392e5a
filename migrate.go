package main

import (
	"context"
	"fmt"
	"io"

	"changkun.de/x/plandash/internal/eventlog"
	"changkun.de/x/plandash/internal/migrate"
	"changkun.de/x/plandash/internal/store"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var removeLegacy bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Convert tasks.json into one record file per task",
		Long: `Convert the monolithic tasks.json of the plan directory into tasks/<id>.json
records and a tasks/index.json summary.

The original document is always copied to log-archive/tasks-archive.json. Items that
cannot be converted are reported and stay in the original. Running the command
again is safe: a record that was updated since the previous run is kept. A
running server picks up the new layout on its own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), cfg, removeLegacy)
		},
	}
	cmd.Flags().BoolVar(&removeLegacy, "remove-legacy", false, "delete tasks.json after it has been archived")
	return cmd
}

func runMigrate(ctx context.Context, out io.Writer, cfg Config, removeLegacy bool) error {
	paths := store.Paths{Root: cfg.PlanDir}
	evlog, err := eventlog.Open(paths.EventLog())
	if err != nil {
		return err
	}
	defer evlog.Close()

	res, err := migrate.Run(ctx, migrate.Options{
		Paths:        paths,
		RemoveLegacy: removeLegacy,
		Log:          evlog,
	})
	if err != nil {
		return err
	}
	if res.SourceAbsent {
		fmt.Fprintf(out, "[ok] Nothing to migrate: %s not found\n", paths.Legacy())
		return nil
	}
	fmt.Fprintf(out, "[ok] Migrated %d task(s) into %s\n", res.MigratedCount, paths.RecordsDir())
	fmt.Fprintf(out, "[ok] Original archived at %s\n", res.ArchivePath)
	for _, s := range res.Skipped {
		id := s.TaskID
		if id == "" {
			id = "no id"
		}
		fmt.Fprintf(out, "[!] Skipped item %d (%s): %s\n", s.Index, id, s.Reason)
	}
	if res.LegacyRemoved {
		fmt.Fprintf(out, "[ok] Removed %s\n", paths.Legacy())
	} else {
		fmt.Fprintf(out, "    %s was kept; it is ignored now that %s exists\n", paths.Legacy(), paths.RecordsDir())
	}
	return nil
}
