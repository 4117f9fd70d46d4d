package dexoptctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the daemon is running",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := newClient()
	defer c.Close()

	alive, err := c.IsAlive()
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	if !alive {
		return fmt.Errorf("daemon responded but reports not alive")
	}
	fmt.Println("daemon is running")
	return nil
}
