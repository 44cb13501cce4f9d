// Command carbonctl scores subjects, runs the local estimator, and maintains
// the result cache without starting the HTTP server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
