// Command autoclawd runs the speech-to-action daemon: it ingests voice
// transcript chunks, cleans and analyzes them, and executes the
// resulting tasks through an external coding agent.
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
