package ingest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/filtercal/internal/signal"
)

func TestReadCSVWithoutHeader(t *testing.T) {
	in := `# captured at desk
0,0.1,9.8,0.0
0.5,0.2,9.7,-0.1
`
	got, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	want := []signal.Sample{
		{Time: 0, Value: signal.Vec3{0.1, 9.8, 0}},
		{Time: 500 * time.Millisecond, Value: signal.Vec3{0.2, 9.7, -0.1}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadCSV mismatch (-want +got):\n%s", diff)
	}
}

func TestReadCSVHeaderReordersColumns(t *testing.T) {
	in := "z, y, x, timestamp\n3,2,1,0.25\n"
	got, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, signal.Vec3{1, 2, 3}, got[0].Value)
	assert.Equal(t, 250*time.Millisecond, got[0].Time)
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"empty", "# nothing\n", "no samples"},
		{"missing column", "t,x,y\n0,1,2\n", `no "z" column`},
		{"bad value", "t,x,y,z\n0,1,two,3\n", "line 2"},
		{"short row", "0,1,2\n", "expected at least 4 fields"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.in))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteCSVRoundTrip(t *testing.T) {
	samples := []signal.Sample{
		{Time: 0, Value: signal.Vec3{0.125, -9.81, 3}},
		{Time: time.Second / 60, Value: signal.Vec3{1e-5, 0, 42}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, samples))

	got, err := ReadCSV(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(samples, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec.csv")
	require.NoError(t, os.WriteFile(path, []byte("t,x,y,z\n0,1,2,3\n"), 0644))

	got, err := LoadCSV(path)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = LoadCSV(filepath.Join(dir, "rec.txt"))
	assert.ErrorContains(t, err, ".csv extension")

	_, err = LoadCSV(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}
