package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newOwnerCmd(o *options) *cobra.Command {
	c := &cobra.Command{
		Use:   "owner [interface|streamlit]",
		Short: "Show or hand over the front end that owns the pumps.",
		Args:  cobra.MaximumNArgs(1),
		RunE: withLedger(o, func(cmd *cobra.Command, r *rig, args []string) error {
			m := r.arbiter.Marker()
			if len(args) == 1 {
				if err := m.Write(args[0]); err != nil {
					return err
				}
			}
			owner, err := m.Read()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pumps owned by %s (this process runs as %s)\n", owner, r.arbiter.Role())
			return nil
		}),
	}
	return c
}
