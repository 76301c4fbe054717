package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/bottles"
	"github.com/tipsy-mixer/tipsy/controller/modules/pour"
)

func newPourCmd(o *options) *cobra.Command {
	var (
		intensity   string
		ingredients map[string]string
	)
	c := &cobra.Command{
		Use:   "pour <cocktail>",
		Short: "Pour a cocktail and wait for it. Ctrl-C cancels the pumps.",
		Example: `  tipsy pour "Gin Tonic" --intensity double
  tipsy pour shot --ingredient gin=4cl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.settings()
			if err != nil {
				return err
			}
			in, err := pour.ParseIntensity(intensity)
			if err != nil {
				return err
			}
			r, err := newRig(s)
			if err != nil {
				return err
			}
			defer r.Close()
			if err := bottles.New(r.c, r.ledger).Setup(); err != nil {
				return err
			}
			recipe, err := pour.New(r.c, r.orchestrator).Recipe(pour.Request{
				Cocktail:    args[0],
				Ingredients: ingredients,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			h, err := r.orchestrator.MakeDrink(ctx, recipe, in)
			if err != nil {
				return fmt.Errorf("%s: %w", controller.Message(err), err)
			}
			for _, sk := range h.Skipped() {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s (%q): %s\n", sk.Ingredient, sk.Amount, sk.Reason)
			}
			werr := h.Wait(ctx)
			if ctx.Err() != nil {
				h.Cancel()
				<-h.Done()
				werr = h.Err()
			}
			rec := h.Record()
			printRecord(cmd, rec)
			if werr != nil {
				return werr
			}
			if rec.Status != pour.Completed {
				return fmt.Errorf("pour %s", rec.Status)
			}
			return nil
		},
	}
	c.Flags().StringVar(&intensity, "intensity", "single", "single or double")
	c.Flags().StringToStringVar(&ingredients, "ingredient", nil, "one-off recipe as ingredient=amount, repeatable")
	return c
}

func printRecord(cmd *cobra.Command, rec pour.Record) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s (%s): %s, %s ml in %s\n",
		rec.Cocktail, rec.Intensity, rec.Status,
		humanize.FtoaWithDigits(rec.TotalML(), 1),
		rec.Finished.Sub(rec.Started).Round(100*time.Millisecond))
	for _, it := range rec.Items {
		line := fmt.Sprintf("  pump %-2d %-20s %6s ml  %s", it.Pump, it.Ingredient,
			humanize.FtoaWithDigits(it.VolumeML, 1), it.State)
		if it.Error != "" {
			line += "  " + it.Error
		}
		fmt.Fprintln(w, line)
	}
	if len(rec.Refunded) > 0 {
		fmt.Fprintf(w, "  refunded: %s\n", strings.Join(rec.Refunded, ", "))
	}
}
