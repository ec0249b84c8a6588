// ordertalk - order-scoped messaging client for the fleet back office.

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetgrid/ordertalk/cmd/ordertalk/internal/chat"
	"github.com/fleetgrid/ordertalk/cmd/ordertalk/internal/version"
)

func NewOrdertalkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ordertalk",
		Short:   "Real-time messaging for order conversations",
		Example: "ordertalk chat --order ORD-1042",
	}

	cmd.AddCommand(
		chat.NewChatCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewOrdertalkCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
