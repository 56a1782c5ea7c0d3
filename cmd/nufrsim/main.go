// Command nufrsim boots a small static task set on the simulator adapter
// and runs the literal end-to-end scenarios from spec §8 as smoke checks
// against the real kernel + goroutine scheduler, not a mock.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
