package grid

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

//go:embed sixtyhz.csv
var sixtyHzTable []byte

// maxTableSize caps grid files read from disk.
const maxTableSize = 4 * 1024 * 1024

// Default60Hz returns the bundled 60 Hz reference table.
func Default60Hz() *Grid {
	g, err := ReadCSV(bytes.NewReader(sixtyHzTable), 0)
	if err != nil {
		panic("embedded 60 Hz table is invalid: " + err.Error())
	}
	return g
}

// fileTable is the JSON layout accepted by Load.
type fileTable struct {
	SampleRate float64     `json:"sample_rate_hz"`
	Candidates []Candidate `json:"candidates"`
}

// Load reads a grid from a .json or .csv file.
func Load(path string) (*Grid, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".csv" {
		return nil, fmt.Errorf("grid file must have .json or .csv extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat grid file: %w", err)
	}
	if info.Size() > maxTableSize {
		return nil, fmt.Errorf("grid file too large: %d bytes (max %d)", info.Size(), maxTableSize)
	}

	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open grid file: %w", err)
	}
	defer f.Close()

	if ext == ".csv" {
		return ReadCSV(f, 0)
	}
	return ReadJSON(f)
}

// ReadJSON decodes a {"sample_rate_hz": ..., "candidates": [...]} document.
func ReadJSON(r io.Reader) (*Grid, error) {
	var t fileTable
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to parse grid JSON: %w", err)
	}
	return New(t.SampleRate, t.Candidates)
}

// ReadCSV decodes a jitter,cutoff,beta table. Leading '#' lines are comments;
// a "# sample_rate_hz=N" comment sets the rate, otherwise sampleRate is used.
func ReadCSV(r io.Reader, sampleRate float64) (*Grid, error) {
	br := bufio.NewReader(r)
	var body bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if key, val, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(trimmed, "#")), "="); ok &&
				strings.TrimSpace(key) == "sample_rate_hz" {
				rate, perr := strconv.ParseFloat(strings.TrimSpace(val), 64)
				if perr != nil {
					return nil, fmt.Errorf("invalid sample_rate_hz %q: %w", val, perr)
				}
				sampleRate = rate
			}
		} else {
			body.WriteString(line)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read grid CSV: %w", err)
		}
	}

	records, err := csv.NewReader(&body).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse grid CSV: %w", err)
	}
	if len(records) == 0 {
		return New(sampleRate, nil)
	}

	cols, err := headerColumns(records[0])
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(records)-1)
	for i, rec := range records[1:] {
		var vals [3]float64
		for k, col := range cols {
			if col >= len(rec) {
				return nil, fmt.Errorf("row %d: missing column %d", i+2, col)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[col]), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid float %q: %w", i+2, rec[col], err)
			}
			vals[k] = v
		}
		candidates = append(candidates, Candidate{Jitter: vals[0], Cutoff: vals[1], Beta: vals[2]})
	}
	return New(sampleRate, candidates)
}

// headerColumns maps jitter, cutoff and beta to their column positions.
func headerColumns(header []string) ([3]int, error) {
	cols := [3]int{-1, -1, -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "jitter":
			cols[0] = i
		case "cutoff", "min_cutoff", "cutoff_hz":
			cols[1] = i
		case "beta":
			cols[2] = i
		}
	}
	for k, name := range []string{"jitter", "cutoff", "beta"} {
		if cols[k] < 0 {
			return cols, fmt.Errorf("grid CSV header missing %q column", name)
		}
	}
	return cols, nil
}
