package dexoptctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newArtifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect and manage compilation artifacts",
	}
	cmd.AddCommand(newArtifactsSizeCmd())
	cmd.AddCommand(newArtifactsDeleteCmd())
	cmd.AddCommand(newArtifactsLocationCmd())
	return cmd
}

func artifactFlags(cmd *cobra.Command, isa *string, inDalvikCache *bool) {
	cmd.Flags().StringVar(isa, "isa", "arm64", "Instruction set of the artifacts")
	cmd.Flags().BoolVar(inDalvikCache, "dalvik-cache", false, "Address the dalvik-cache copy")
}

func newArtifactsSizeCmd() *cobra.Command {
	var isa string
	var inDalvikCache bool
	cmd := &cobra.Command{
		Use:   "size <dex-path>",
		Short: "Report the on-disk size of the artifacts of a dex file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()

			size, err := c.GetArtifactsSize(args[0], isa, inDalvikCache)
			if err != nil {
				return err
			}
			fmt.Printf("%d bytes\n", size)
			return nil
		},
	}
	artifactFlags(cmd, &isa, &inDalvikCache)
	return cmd
}

func newArtifactsDeleteCmd() *cobra.Command {
	var isa string
	var inDalvikCache bool
	cmd := &cobra.Command{
		Use:   "delete <dex-path>",
		Short: "Delete the artifacts of a dex file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()

			freed, err := c.DeleteArtifacts(args[0], isa, inDalvikCache)
			if err != nil {
				return err
			}
			fmt.Printf("freed %d bytes\n", freed)
			return nil
		},
	}
	artifactFlags(cmd, &isa, &inDalvikCache)
	return cmd
}

func newArtifactsLocationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "location <dex-path>",
		Short: "Report whether artifacts for a dex file live in the dalvik-cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()

			inCache, err := c.IsInDalvikCache(args[0])
			if err != nil {
				return err
			}
			if inCache {
				fmt.Println("dalvik-cache")
			} else {
				fmt.Println("next to dex file")
			}
			return nil
		},
	}
}
