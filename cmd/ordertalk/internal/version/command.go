package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetgrid/ordertalk/cmd/ordertalk/internal"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ordertalk version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ordertalk", internal.FormatVersion())
		},
	}
}
