// Command calibrate runs parameter sweeps of an external model and serves
// the sweep harness over HTTP.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/banshee-data/modelsweep/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: calibrate <command> [flags]

Commands:
  serve       Serve the sweep API
  run         Run one sweep from a request file and print the result
  submit      Submit a request file to a running server and wait for it
  add-model   Install a model from a zip archive
  models      List registered models
  migrate     Manage the results database schema
  version     Print build information

Run 'calibrate <command> -h' for command flags.
`)
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "serve":
		err = cmdServe(rest, stderr)
	case "run":
		err = cmdRun(rest, stdout, stderr)
	case "submit":
		err = cmdSubmit(rest, stdout, stderr)
	case "add-model":
		err = cmdAddModel(rest, stdout, stderr)
	case "models":
		err = cmdModels(rest, stdout, stderr)
	case "migrate":
		err = cmdMigrate(rest, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.String())
	case "help", "-h", "--help":
		usage(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	default:
		fmt.Fprintf(stderr, "calibrate %s: %v\n", args[0], err)
		return 1
	}
}
