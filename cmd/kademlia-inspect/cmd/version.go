package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gauss-project/kadtable"
)

func (c *command) initVersionCmd() {
	v := &cobra.Command{
		Use:   "version",
		Short: "print version number",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(kadtable.Version)
		},
	}
	v.SetOut(c.root.OutOrStdout())
	c.root.AddCommand(v)
}
