// Command kademlia-inspect is a small operator tool that loads a table
// dumped by (*kademlia.KademliaTable).Dump and reports its bucket
// population. It operates the routing-table library; it is not part of it -
// the table itself remains a library with no CLI or env vars.
package main

import (
	"fmt"
	"os"

	"github.com/gauss-project/kadtable/cmd/kademlia-inspect/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
