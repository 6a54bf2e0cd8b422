//go:build !linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serviceCmd)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the PlayDeck Agent system service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("service management is only available on Linux; register the agent with NSSM or a scheduled task and restart it whenever it exits")
	},
}
