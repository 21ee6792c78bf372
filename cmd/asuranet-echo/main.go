// Command asuranet-echo runs an echo gate on top of the session layer. It
// listens on the configured transports and answers every echo request on the
// channel it came from.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
