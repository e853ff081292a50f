package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/banshee-data/filtercal/internal/store"
)

const migrateUsage = `usage: filtercal migrate --db <file> <action>

Actions:
  status       Show the current and latest schema versions
  up           Apply all pending migrations
  down         Roll back the most recent migration
  to <n>       Migrate up or down to version n
  force <n>    Record version n without running migrations (recovery only)`

// handleMigrate manages the run database schema directly. Other commands
// migrate up implicitly when they open the database.
func handleMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", "", "Calibration database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" || fs.NArg() < 1 {
		return errors.New(migrateUsage)
	}

	st, err := store.OpenUnmigrated(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	action := fs.Arg(0)
	versionArg := func() (int, error) {
		if fs.NArg() < 2 {
			return 0, fmt.Errorf("migrate %s needs a version number", action)
		}
		v, err := strconv.Atoi(fs.Arg(1))
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid version %q", fs.Arg(1))
		}
		return v, nil
	}

	switch action {
	case "status":
	case "up":
		err = st.MigrateUp()
	case "down":
		err = st.MigrateDown()
	case "to":
		var v int
		if v, err = versionArg(); err == nil {
			err = st.MigrateTo(uint(v))
		}
	case "force":
		var v int
		if v, err = versionArg(); err == nil {
			err = st.MigrateForce(v)
		}
	default:
		return fmt.Errorf("unknown migrate action %q\n\n%s", action, migrateUsage)
	}
	if err != nil {
		return err
	}
	return printMigrateStatus(st, out)
}

func printMigrateStatus(st *store.Store, out io.Writer) error {
	version, dirty, err := st.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := store.LatestVersion()
	if err != nil {
		return err
	}
	state := "up to date"
	switch {
	case dirty:
		state = "dirty; fix the schema then run: migrate force <n>"
	case version < latest:
		state = fmt.Sprintf("%d pending", latest-version)
	}
	fmt.Fprintf(out, "schema version %d of %d (%s)\n", version, latest, state)
	return nil
}
