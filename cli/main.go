// aiauditctl is a thin example consumer of the audit module: create a
// trace context, query a store, export a trace, and introspect audit
// status, against whichever store backend is selected on the command
// line.
package main

import (
	"fmt"
	"os"

	"github.com/chronos-ai/chronos/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
