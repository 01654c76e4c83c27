// Command offlinesync is a command line client for an offline-first
// document replica: local reads and writes, sync passes, conflict handling
// and a scheduled sync daemon.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
