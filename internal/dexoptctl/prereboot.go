package dexoptctl

import (
	"fmt"

	"dexoptd/pkg/client"

	"github.com/spf13/cobra"
)

func newPreRebootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pre-reboot",
		Short: "Manage staged pre-reboot compilation output",
	}
	cmd.AddCommand(newPreRebootCheckCmd())
	cmd.AddCommand(newPreRebootCleanupCmd())
	cmd.AddCommand(newPreRebootCommitCmd())
	return cmd
}

func newPreRebootCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <chroot-dir>",
		Short: "Check whether a staged system image is close enough to compile for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()

			ok, err := c.CheckPreRebootSystemRequirements(args[0])
			if err != nil {
				return err
			}
			if ok {
				fmt.Println("staged system is supported")
			} else {
				fmt.Println("staged system version is too far ahead")
			}
			return nil
		},
	}
}

func newPreRebootCommitCmd() *cobra.Command {
	var isa string
	var packages []string
	cmd := &cobra.Command{
		Use:   "commit [dex-path]...",
		Short: "Promote staged artifacts and profiles after a reboot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()

			artifacts := make([]client.ArtifactRef, 0, len(args))
			for _, dexPath := range args {
				artifacts = append(artifacts, client.ArtifactRef{DexPath: dexPath, ISA: isa})
			}
			profiles := make([]client.ProfileRef, 0, len(packages))
			for _, pkg := range packages {
				profiles = append(profiles, client.ProfileRef{
					Kind:        "primaryRef",
					PackageName: pkg,
					ProfileName: "primary",
				})
			}

			committed, err := c.CommitPreRebootStagedFiles(artifacts, profiles)
			if err != nil {
				return err
			}
			if committed {
				fmt.Println("staged files committed")
			} else {
				fmt.Println("nothing staged to commit")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&isa, "isa", "arm64", "Instruction set of the staged artifacts")
	cmd.Flags().StringSliceVar(&packages, "package", nil, "Packages whose staged reference profiles to commit")
	return cmd
}

func newPreRebootCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove all staged pre-reboot files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()

			if err := c.CleanupPreRebootStagedFiles(); err != nil {
				return err
			}
			fmt.Println("staged files removed")
			return nil
		},
	}
}
