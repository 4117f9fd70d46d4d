// Package dexoptctl is the operator CLI for the daemon. Every command
// talks to a running daemon over its unix socket.
package dexoptctl

import (
	"dexoptd/pkg/client"

	"github.com/spf13/cobra"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "dexoptctl",
	Short: "Operator CLI for the dexoptd daemon",
	Long:  "dexoptctl inspects and manages compilation artifacts and profiles through a running dexoptd daemon",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/dexoptd/dexoptd.sock",
		"Path to the daemon socket")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newArtifactsCmd())
	rootCmd.AddCommand(newProfileCmd())
	rootCmd.AddCommand(newPreRebootCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newClient() *client.Client {
	return client.New(socketPath)
}
