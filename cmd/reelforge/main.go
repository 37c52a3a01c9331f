// Command reelforge is the client CLI for a running reelforged daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		// Ctrl-C already tells the user enough.
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "reelforge:", err)
		}
		os.Exit(1)
	}
}
