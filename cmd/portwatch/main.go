package main

import (
	"fmt"
	"log"
	"os"

	"github.com/chis/portwatch/internal/output"
)

func main() {
	// Serve is the default when invoked with no subcommand.
	if len(os.Args) == 1 || os.Args[1][0] == '-' {
		if err := runServeCommand(os.Args[1:]); err != nil {
			log.Fatalf("Serve failed: %v", err)
		}
		return
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "serve":
		err = runServeCommand(args)
	case "check":
		err = runCheckCommand(args)
	case "upgrade":
		err = runUpgradeCommand(args)
	case "version":
		fmt.Println(output.Version)
	default:
		log.Fatalf("Unknown command: %s\nAvailable commands: serve, check, upgrade, version", command)
	}
	if err != nil {
		log.Fatalf("%s command failed: %v", command, err)
	}
}
