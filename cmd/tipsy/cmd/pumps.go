package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/calibration"
	"github.com/tipsy-mixer/tipsy/controller/modules/pumps"
	"github.com/tipsy-mixer/tipsy/controller/modules/topology"
)

func newPumpsCmd(o *options) *cobra.Command {
	c := &cobra.Command{
		Use:   "pumps",
		Short: "Pump topology, calibration and test runs.",
	}
	c.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show every pump with its ingredient and calibration.",
			Args:  cobra.NoArgs,
			RunE: withLedger(o, func(cmd *cobra.Command, r *rig, _ []string) error {
				s := r.c.Settings()
				loaded := make(map[int]topology.Slot)
				if top, err := topology.Load(s.Files.PumpConfig); err == nil {
					for _, slot := range top.Slots {
						loaded[slot.Pump] = slot
					}
				} else {
					r.c.Logger().Warn("pump config not loaded", zap.Error(err))
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PUMP\tPINS\tCLASS\tINGREDIENT\tS/ML\tS/ML CARB\t50 ML\tREVERSE")
				for _, p := range r.holder.Current().Describe(len(s.Pumps.Motors)) {
					slot := loaded[p.Pump]
					ingredient := slot.Ingredient
					if slot.Carbonated {
						ingredient += " (carbonated)"
					}
					fmt.Fprintf(w, "%d\t%v\t%s\t%s\t%.3f\t%.3f\t%.1fs\t%t\n",
						p.Pump, s.Pumps.Motors[p.Pump-1], p.Class, ingredient,
						p.Still, p.Carbonated, p.SecondsFor50, p.Reversible)
				}
				return w.Flush()
			}),
		},
		newPulseCmd(o),
		newCalibrateCmd(o),
		&cobra.Command{
			Use:   "migrate",
			Short: "Rewrite a legacy pump config in the extended format.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := o.settings()
				if err != nil {
					return err
				}
				changed, err := topology.Migrate(s.Files.PumpConfig)
				if err != nil {
					return err
				}
				if changed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s migrated\n", s.Files.PumpConfig)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already in the extended format\n", s.Files.PumpConfig)
				}
				return nil
			},
		},
	)
	return c
}

// newPulseCmd runs a single pump under the GPIO lock without touching the
// ledger, as used to test a line or measure its flow.
func newPulseCmd(o *options) *cobra.Command {
	var (
		seconds float64
		reverse bool
	)
	c := &cobra.Command{
		Use:   "pulse <pump>",
		Short: "Run one pump for a fixed time.",
		Args:  cobra.ExactArgs(1),
		RunE: withLedger(o, func(cmd *cobra.Command, r *rig, args []string) error {
			pump, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: pump %q", controller.ErrParse, args[0])
			}
			if seconds <= 0 {
				return fmt.Errorf("%w: seconds must be > 0", controller.ErrParse)
			}
			r.attachPins()
			if _, _, err := r.unit.Pins(pump); err != nil {
				return err
			}
			dir := pumps.DirForward
			if reverse {
				dir = pumps.DirReverse
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := r.arbiter.Acquire(ctx); err != nil {
				return fmt.Errorf("%s: %w", controller.Message(err), err)
			}
			defer r.arbiter.Release()
			start := time.Now()
			err = r.unit.Pulse(ctx, pump, time.Duration(seconds*float64(time.Second)), dir)
			fmt.Fprintf(cmd.OutOrStdout(), "pump %d ran %s\n", pump, time.Since(start).Round(10*time.Millisecond))
			return err
		}),
	}
	c.Flags().Float64Var(&seconds, "seconds", 10, "run time")
	c.Flags().BoolVar(&reverse, "reverse", false, "run backwards (peristaltic pumps only)")
	return c
}

// newCalibrateCmd turns a measured test run into the coefficient of the
// pump's class and saves it to the settings file.
func newCalibrateCmd(o *options) *cobra.Command {
	var (
		seconds    float64
		measured   float64
		carbonated bool
	)
	c := &cobra.Command{
		Use:     "calibrate <pump>",
		Short:   "Store the coefficient of a timed test run.",
		Example: "  tipsy pumps pulse 3 --seconds 10\n  tipsy pumps calibrate 3 --seconds 10 --ml 83",
		Args:    cobra.ExactArgs(1),
		RunE: withLedger(o, func(cmd *cobra.Command, r *rig, args []string) error {
			pump, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: pump %q", controller.ErrParse, args[0])
			}
			coef, err := calibration.New(r.c, r.holder, o.settingsFile).Measure(pump, carbonated, seconds, measured)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pump %d: %.4f s/ml (%s class), saved to %s\n",
				pump, coef, r.holder.Current().Class(pump), o.settingsFile)
			return nil
		}),
	}
	c.Flags().Float64Var(&seconds, "seconds", 10, "duration of the test run")
	c.Flags().Float64Var(&measured, "ml", 0, "volume measured after the run")
	c.Flags().BoolVar(&carbonated, "carbonated", false, "the test liquid was carbonated")
	c.MarkFlagRequired("ml")
	return c
}
