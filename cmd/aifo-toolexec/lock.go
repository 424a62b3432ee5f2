package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/everydev1618/aifo/lock"
	"github.com/spf13/cobra"
)

func newLockCmd(a *app) *cobra.Command {
	var hold, paths bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Check or hold the repository lock",
		Long: `Try to take the repository lock and release it again. With --hold the lock
is kept until interrupted. With --paths the candidate lock files are listed
in the order they are tried.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			candidates := a.locator.Candidates()
			if paths {
				for _, p := range candidates {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			}

			l, err := lock.Acquire(candidates)
			if err != nil {
				return err
			}
			defer l.Release()

			if !hold {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Lock available: %s\n", l.Path())
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Holding lock %s\n", l.Path())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&hold, "hold", false, "Keep the lock until interrupted")
	cmd.Flags().BoolVar(&paths, "paths", false, "Print candidate lock paths and exit")
	return cmd
}
