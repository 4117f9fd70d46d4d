package dexoptctl

import (
	"fmt"

	"dexoptd/pkg/client"

	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage execution profiles",
	}
	cmd.AddCommand(newProfileDeleteCmd())
	return cmd
}

func newProfileDeleteCmd() *cobra.Command {
	var profileName string
	cmd := &cobra.Command{
		Use:   "delete <package>",
		Short: "Delete the reference profile of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()

			if err := c.DeleteProfile(&client.ProfileRef{
				Kind:        "primaryRef",
				PackageName: args[0],
				ProfileName: profileName,
			}); err != nil {
				return err
			}
			fmt.Printf("deleted reference profile of %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&profileName, "name", "primary", "Profile name within the package")
	return cmd
}
