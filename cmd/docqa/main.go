// Command docqa is the entry point for the document question-answering
// engine. It provides a CLI (via Cobra) for indexing knowledge bases and
// asking questions, plus an optional HTTP server.
package main

import (
	"fmt"
	"os"

	"github.com/m4ttr/docqa-go/cmd/docqa/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
