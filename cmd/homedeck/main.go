// Package main provides the entrypoint for the homedeck daemon.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const serviceName = "homedeck"

func main() {
	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serveCommand(log, args)
	case "token":
		err = tokenCommand(args)
	case "version":
		fmt.Printf("homedeck %s (built %s)\n", Version, BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("homedeck failed")
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: homedeck <command> [flags]

Commands:
  serve     run the daemon (default)
  token     issue an operator token
  version   print the build version
`)
}
