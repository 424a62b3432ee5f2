package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/everydev1618/aifo/session"
	"github.com/spf13/cobra"
)

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <session-id>...",
		Short: "Remove the sidecars, network and socket dir of a session",
		Long:  "Remove everything a session left behind. Unknown session ids are ignored.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := workspaceDir("")
			if err != nil {
				return err
			}
			mgr := a.newManager(wd, a.cfg.NoCache)
			defer mgr.Close()
			st := a.store()
			defer closeStore(st)

			for _, sid := range args {
				if !session.ValidID(sid) {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "skipping invalid session id %q\n", sid)
					continue
				}
				if err := session.Cleanup(cmd.Context(), mgr, st, a.cfg, sid); err != nil {
					return fmt.Errorf("cleanup %s: %w", sid, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cleaned up session %s\n", sid)
			}
			return nil
		},
	}
}

func newPurgeCachesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-caches",
		Short: "Remove every toolchain cache volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wd, err := workspaceDir("")
			if err != nil {
				return err
			}
			mgr := a.newManager(wd, false)
			defer mgr.Close()
			if err := mgr.PurgeCaches(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Toolchain caches purged")
			return nil
		},
	}
}

func newSessionsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		Long: `List sessions recorded in the registry. With --all, sessions that still
have sidecars but no registry entry are listed too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := a.store()
			defer closeStore(st)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tPID\tSTARTED\tURL\tSIDECARS")
			var known []string
			if st != nil {
				recs, err := st.List()
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				for _, r := range recs {
					known = append(known, r.ID)
					kinds := make([]string, 0, len(r.Sidecars))
					for _, sc := range r.Sidecars {
						kinds = append(kinds, sc.Kind)
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", r.ID, r.PID,
						r.StartedAt.Local().Format(time.DateTime), r.ProxyURL, joinOrDash(kinds))
				}
			}
			if all {
				if err := listUnrecorded(cmd.Context(), a, w, known); err != nil {
					return err
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Also list unrecorded sessions that still have sidecars")
	return cmd
}

func listUnrecorded(ctx context.Context, a *app, w *tabwriter.Writer, known []string) error {
	wd, err := workspaceDir("")
	if err != nil {
		return err
	}
	mgr := a.newManager(wd, a.cfg.NoCache)
	defer mgr.Close()
	ids, err := mgr.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if !slices.Contains(known, id) {
			fmt.Fprintf(w, "%s\t-\t-\t(unrecorded)\t-\n", id)
		}
	}
	return nil
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
