package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/page-annotator/internal/config"
)

func newConfigsCmd() *cobra.Command {
	var dirs []string
	cmd := &cobra.Command{
		Use:   "configs",
		Short: "List config files found in the working directory",
		Long: `Lists config.yaml/config.yml in the working directory first, then every
other YAML file there, in ./examples and in any --dir given.`,
		Annotations: map[string]string{annotationNeeds: needsNothing},
		RunE: func(cmd *cobra.Command, _ []string) error {
			found, err := config.Discover(".", dirs...)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no config files found")
				return nil
			}
			for _, p := range found {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&dirs, "dir", nil, "additional directory to search")
	return cmd
}
