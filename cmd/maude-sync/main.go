// Command maude-sync downloads FDA MAUDE archives and keeps a local SQLite
// copy in sync with them.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/maude-sync/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
