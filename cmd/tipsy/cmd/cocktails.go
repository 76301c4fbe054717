package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/recipes"
	"github.com/tipsy-mixer/tipsy/controller/modules/topology"
)

func newCocktailsCmd(o *options) *cobra.Command {
	var available bool
	c := &cobra.Command{
		Use:   "cocktails [name]",
		Short: "List the recipe book, or show one cocktail.",
		Args:  cobra.MaximumNArgs(1),
		RunE: withLedger(o, func(cmd *cobra.Command, r *rig, args []string) error {
			s := r.c.Settings()
			book, err := recipes.Load(s.Files.Cocktails)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(args) == 1 {
				ck, ok := book.Find(args[0])
				if !ok {
					return fmt.Errorf("%w: cocktail %s", controller.ErrNotFound, args[0])
				}
				title := ck.Name()
				if ck.FunName != "" && ck.FunName != title {
					title += " / " + ck.FunName
				}
				fmt.Fprintln(w, title)
				for _, n := range ck.Names() {
					fmt.Fprintf(w, "  %-24s %s\n", n, ck.Ingredients[n])
				}
				reqs, bad := ck.Requirements(r.ledger, 1)
				for n, err := range bad {
					fmt.Fprintf(w, "  %s skipped: %v\n", n, err)
				}
				if ok, missing := r.ledger.CanFulfill(reqs); !ok {
					fmt.Fprintf(w, "  not enough left: %s\n", strings.Join(missing, ", "))
				}
				return nil
			}

			list := book.Cocktails
			if available {
				top, err := topology.Load(s.Files.PumpConfig)
				if err != nil {
					r.c.Logger().Warn("availability without pump config", zap.Error(err))
				}
				list = book.Available(r.ledger, top)
			}
			for _, ck := range list {
				fav := ""
				if ck.Favorite {
					fav = " *"
				}
				fmt.Fprintf(w, "%s%s\n", ck.Name(), fav)
			}
			return nil
		}),
	}
	c.Flags().BoolVar(&available, "available", false, "only cocktails the rig can pour right now")
	return c
}
