// Package cmd holds the cobra command tree of the tipsy binary.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tipsy-mixer/tipsy/controller/settings"
)

const defaultSettingsFile = "tipsy.yaml"

type options struct {
	settingsFile string
	role         string
	dev          bool
}

// NewRootCmd returns the root of the cobra command tree.
func NewRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:          "tipsy",
		Short:        "Cocktail pump rig controller.",
		Long:         "tipsy drives the pumps of a cocktail rig, keeps the bottle inventory and serves the REST API used by the front ends.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&o.settingsFile, "settings", defaultSettingsFile, "YAML settings file")
	root.PersistentFlags().StringVar(&o.role, "role", "", "front end role, overrides the settings (interface or streamlit)")
	root.PersistentFlags().BoolVar(&o.dev, "dev", false, "dev mode: console logs and an in-memory pin driver")

	root.AddCommand(
		newServeCmd(o),
		newPourCmd(o),
		newBottlesCmd(o),
		newPumpsCmd(o),
		newOwnerCmd(o),
		newCocktailsCmd(o),
	)
	return root
}

func (o *options) settings() (settings.Settings, error) {
	s, err := settings.Load(o.settingsFile)
	if err != nil {
		return s, err
	}
	if o.role != "" {
		s.Role = o.role
	}
	if o.dev {
		s.DevMode = true
	}
	return s, s.Validate()
}
