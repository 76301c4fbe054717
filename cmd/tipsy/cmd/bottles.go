package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/bottles"
	"github.com/tipsy-mixer/tipsy/controller/modules/topology"
)

func newBottlesCmd(o *options) *cobra.Command {
	c := &cobra.Command{
		Use:   "bottles",
		Short: "Inspect and edit the bottle ledger.",
	}
	c.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every bottle with its level.",
			Args:  cobra.NoArgs,
			RunE: withLedger(o, func(cmd *cobra.Command, r *rig, _ []string) error {
				printBottles(cmd, r.ledger)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "refill <bottle> [ml]",
			Short: "Add ml to a bottle, or fill it up when ml is omitted.",
			Args:  cobra.RangeArgs(1, 2),
			RunE: withLedger(o, func(cmd *cobra.Command, r *rig, args []string) error {
				b, ok := r.ledger.Get(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", controller.ErrUnknownBottle, args[0])
				}
				ml := b.CapacityML
				if len(args) == 2 {
					var err error
					if ml, err = parseML(args[1]); err != nil {
						return err
					}
				}
				if err := r.ledger.Refill(args[0], ml); err != nil {
					return err
				}
				r.c.Signal()
				printBottles(cmd, r.ledger)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "set <bottle> <ml>",
			Short: "Set the level of a bottle.",
			Args:  cobra.ExactArgs(2),
			RunE: withVolume(o, func(r *rig, id string, ml float64) error { return r.ledger.SetLevel(id, ml) }),
		},
		&cobra.Command{
			Use:   "capacity <bottle> <ml>",
			Short: "Change the size of a bottle; thresholds keep their share.",
			Args:  cobra.ExactArgs(2),
			RunE: withVolume(o, func(r *rig, id string, ml float64) error { return r.ledger.SetCapacity(id, ml) }),
		},
		&cobra.Command{
			Use:   "thresholds <bottle> <warning ml> <critical ml>",
			Short: "Set the notification thresholds of a bottle.",
			Args:  cobra.ExactArgs(3),
			RunE: withLedger(o, func(cmd *cobra.Command, r *rig, args []string) error {
				warning, err := parseML(args[1])
				if err != nil {
					return err
				}
				critical, err := parseML(args[2])
				if err != nil {
					return err
				}
				return r.ledger.SetThresholds(args[0], warning, critical)
			}),
		},
		newRebuildCmd(o),
		&cobra.Command{
			Use:   "verify",
			Short: "Check the ledger file for inconsistencies.",
			Args:  cobra.NoArgs,
			RunE: withLedger(o, func(cmd *cobra.Command, r *rig, _ []string) error {
				issues := r.ledger.VerifyIntegrity()
				for _, issue := range issues {
					fmt.Fprintln(cmd.OutOrStdout(), issue)
				}
				if len(issues) > 0 {
					return fmt.Errorf("%d ledger issues", len(issues))
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ledger ok")
				return nil
			}),
		},
	)
	return c
}

func newRebuildCmd(o *options) *cobra.Command {
	var prune bool
	c := &cobra.Command{
		Use:   "rebuild",
		Short: "Add bottles for newly configured ingredients.",
		Args:  cobra.NoArgs,
		RunE: withLedger(o, func(cmd *cobra.Command, r *rig, _ []string) error {
			top, err := topology.Load(r.c.Settings().Files.PumpConfig)
			if err != nil {
				return err
			}
			added, err := r.ledger.Rebuild(top)
			if err != nil {
				return err
			}
			var removed []string
			if prune {
				if removed, err = r.ledger.Prune(top); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %v, removed %v\n", added, removed)
			r.c.Signal()
			return nil
		}),
	}
	c.Flags().BoolVar(&prune, "prune", false, "also remove bottles no pump serves")
	return c
}

// withLedger runs fn against the shared ledger.
func withLedger(o *options, fn func(*cobra.Command, *rig, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := o.settings()
		if err != nil {
			return err
		}
		r, err := newInventory(s)
		if err != nil {
			return err
		}
		defer r.Close()
		return fn(cmd, r, args)
	}
}

// withVolume runs fn with the bottle id and volume arguments, then prints the
// bottle and signals the other front end.
func withVolume(o *options, fn func(r *rig, id string, ml float64) error) func(*cobra.Command, []string) error {
	return withLedger(o, func(cmd *cobra.Command, r *rig, args []string) error {
		ml, err := parseML(args[1])
		if err != nil {
			return err
		}
		if err := fn(r, args[0], ml); err != nil {
			return err
		}
		r.c.Signal()
		printBottles(cmd, r.ledger)
		return nil
	})
}

func parseML(s string) (float64, error) {
	ml, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: volume %q", controller.ErrParse, s)
	}
	return ml, nil
}

func printBottles(cmd *cobra.Command, l *bottles.Ledger) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BOTTLE\tNAME\tLEVEL\tCAPACITY\tFILL\tWARN/CRIT")
	for _, b := range l.List() {
		fmt.Fprintf(w, "%s\t%s\t%s ml\t%s ml\t%.0f%%\t%s/%s\n",
			b.ID, b.Name,
			humanize.Commaf(b.CurrentML), humanize.Commaf(b.CapacityML),
			b.Percent(),
			humanize.Ftoa(b.WarningThresholdML), humanize.Ftoa(b.CriticalThresholdML))
	}
	w.Flush()
	o := l.Overview()
	fmt.Fprintf(cmd.OutOrStdout(), "%d bottles, %s of %s ml (%.1f%%), %d low, %d empty\n",
		o.Bottles, humanize.Commaf(o.CurrentML), humanize.Commaf(o.CapacityML), o.Percent, o.Low, o.Empty)
}
