package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"soloist/pkg/coordination"
)

func newEnsurePathCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-path",
		Short: "Create the election path if it does not exist, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := coordination.EnsurePath(cmd.Context(), sess.Conn(), a.cfg.ElectionPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.cfg.ElectionPath)
			return nil
		},
	}
}

func newLeaderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "leader",
		Short: "Print the candidate currently leading the election path",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			leader, err := sess.Conn().NewElection(a.cfg.ElectionPath).Leader(cmd.Context())
			if errors.Is(err, coordination.ErrNoLeader) {
				fmt.Fprintln(cmd.OutOrStdout(), "no leader")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), leader)
			return nil
		},
	}
}
