package main

import (
	"context"
	"fmt"
	"os"

	"github.com/surajsub/etl-run-portal/cmd"
)

func main() {
	if err := cmd.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
