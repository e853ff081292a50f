// Command filtercal calibrates a smoothing filter from a recorded signal:
// it estimates noise and speed from two windows of the recording, scores a
// parameter grid against synthetic traces and reports the best candidate.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/filtercal/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "run":
		err = handleRun(args, os.Stdout)
	case "list":
		err = handleList(args, os.Stdout)
	case "show":
		err = handleShow(args, os.Stdout)
	case "delete":
		err = handleDelete(args)
	case "migrate":
		err = handleMigrate(args, os.Stdout)
	case "objectives":
		handleObjectives(os.Stdout)
	case "version":
		fmt.Printf("filtercal version %s\n", version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

func printUsage() {
	fmt.Println(`filtercal - Smoothing filter calibration

Usage: filtercal <command> [options]

Commands:
  run         Calibrate a filter from a CSV recording or a serial capture
  list        List stored calibration runs
  show        Print a stored run as JSON
  delete      Delete a stored run
  migrate     Inspect or change the run database schema
  objectives  List the available search objectives
  version     Show filtercal version
  help        Show this help message

Run Flags:
  --input <file.csv>       Recording with t,x,y,z columns
  --serial <device>        Capture from a serial device instead of a file
  --samples <n>            Samples to capture from the serial device
  --stationary <a:b>       Sample range recorded at rest (required)
  --dynamic <a:b>          Sample range recorded during motion (required)
  --config <file.json>     Calibration config (default config/calibration.defaults.json)
  --grid <file>            Parameter grid (.json or .csv); default is the built-in 60 Hz table
  --filter <name>          oneeuro or exponential (default oneeuro)
  --db <file>              Store the run in this sqlite database
  --plot <file.png>        Write the winner's edge response
  --html <file.html>       Write a precision vs lag scatter of every candidate

Examples:
  # Calibrate from a recording and keep the result
  filtercal run --input imu.csv --stationary 0:600 --dynamic 600:1200 --db runs.db

  # Capture 1200 samples from a device, minimising precision under 0.1 s of lag
  filtercal run --serial /dev/ttyUSB0 --samples 1200 --stationary 0:600 --dynamic 600:1200 --objective min_precision --max-lag 0.1

  # Review stored runs
  filtercal list --db runs.db
  filtercal show --db runs.db <run-id>`)
}
