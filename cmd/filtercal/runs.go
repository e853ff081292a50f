package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/filtercal/internal/store"
)

func openStore(fs *flag.FlagSet, args []string, dbPath *string) (*store.Store, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *dbPath == "" {
		return nil, errors.New("--db is required")
	}
	return store.Open(*dbPath)
}

func handleList(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	dbPath := fs.String("db", "", "Calibration database")
	limit := fs.Int("limit", 20, "Maximum runs to list (0 for all)")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")
	st, err := openStore(fs, args, dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListResults(*limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, runs)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tLABEL\tOBJECTIVE\tCANDIDATE\tPRECISION\tLAG (s)\tEVALUATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.5g\t%.4f\t%d\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Label, r.Objective,
			r.Candidate, r.Precision, r.LagSeconds, r.Evaluated)
	}
	return tw.Flush()
}

func handleShow(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	dbPath := fs.String("db", "", "Calibration database")
	st, err := openStore(fs, args, dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if fs.NArg() != 1 {
		return errors.New("usage: filtercal show --db <file> <run-id>")
	}
	res, err := st.GetResult(fs.Arg(0))
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("run %s not found", fs.Arg(0))
	}
	return writeJSON(out, res)
}

func handleDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	dbPath := fs.String("db", "", "Calibration database")
	st, err := openStore(fs, args, dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if fs.NArg() != 1 {
		return errors.New("usage: filtercal delete --db <file> <run-id>")
	}
	if err := st.DeleteResult(fs.Arg(0)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("run %s not found", fs.Arg(0))
		}
		return err
	}
	return nil
}
