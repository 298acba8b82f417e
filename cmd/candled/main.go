// Command candled runs the birthday message delivery engine: the HTTP API,
// the hourly sweeper, and the delivery workers.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
