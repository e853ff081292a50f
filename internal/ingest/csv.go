// Package ingest turns recorded or live IMU output into the sample sequence
// a calibration runs over.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/filtercal/internal/signal"
)

const maxRecordingSize = 64 * 1024 * 1024 // 64MB

// ReadCSV reads rows of t,x,y,z where t is seconds from any origin. Lines
// starting with '#' are comments. An optional header names the columns; it
// may use t, time or timestamp for the time column and list them in any
// order.
func ReadCSV(r io.Reader) ([]signal.Sample, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	cols := [4]int{0, 1, 2, 3}
	var samples []signal.Sample
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading samples: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if first {
			first = false
			if _, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64); err != nil {
				if cols, err = headerColumns(rec); err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				continue
			}
		}
		s, err := parseRecord(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return nil, errors.New("no samples in input")
	}
	return samples, nil
}

// LoadCSV reads a recording from a .csv file.
func LoadCSV(path string) ([]signal.Sample, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".csv" {
		return nil, fmt.Errorf("recording must have .csv extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat recording: %w", err)
	}
	if info.Size() > maxRecordingSize {
		return nil, fmt.Errorf("recording too large: %d bytes (max %d)", info.Size(), maxRecordingSize)
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// WriteCSV writes samples in the layout ReadCSV accepts.
func WriteCSV(w io.Writer, samples []signal.Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"t", "x", "y", "z"}); err != nil {
		return err
	}
	for _, s := range samples {
		rec := []string{strconv.FormatFloat(s.Time.Seconds(), 'f', -1, 64)}
		for _, v := range s.Value {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func headerColumns(header []string) ([4]int, error) {
	cols := [4]int{-1, -1, -1, -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "t", "time", "timestamp":
			cols[0] = i
		case "x":
			cols[1] = i
		case "y":
			cols[2] = i
		case "z":
			cols[3] = i
		}
	}
	for i, name := range []string{"t", "x", "y", "z"} {
		if cols[i] < 0 {
			return cols, fmt.Errorf("header %v has no %q column", header, name)
		}
	}
	return cols, nil
}

func parseRecord(rec []string, cols [4]int) (signal.Sample, error) {
	var vals [4]float64
	for i, c := range cols {
		if c >= len(rec) {
			return signal.Sample{}, fmt.Errorf("expected at least %d fields, got %d", c+1, len(rec))
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[c]), 64)
		if err != nil {
			return signal.Sample{}, fmt.Errorf("invalid value %q: %w", rec[c], err)
		}
		vals[i] = v
	}
	return signal.Sample{
		Time:  secondsToDuration(vals[0]),
		Value: signal.Vec3{vals[1], vals[2], vals[3]},
	}, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
