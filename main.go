package main

import (
	"fmt"
	"os"

	"github.com/nurminendev/unnode/cmd"
)

func main() {
	// When the supervisor re-execs this binary as a worker it sets
	// UNNODE_WORKER_ID; inject the hidden "worker" argument so the process
	// shows up sensibly in the process list without a special worker binary.
	if os.Getenv("UNNODE_WORKER_ID") != "" {
		os.Args = []string{os.Args[0], "worker"}
	}

	// If no command specified, default to status
	if len(os.Args) == 1 {
		os.Args = []string{os.Args[0], "status"}
	}

	root := cmd.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
