package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.bug.st/serial"

	"github.com/banshee-data/filtercal/internal/monitoring"
	"github.com/banshee-data/filtercal/internal/signal"
	"github.com/banshee-data/filtercal/internal/timeutil"
)

// PortOptions describes the serial connection to an IMU.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial opens a
// port with.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// OpenPort opens the serial device at path.
func OpenPort(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// ParseLine parses one line of device output. Four fields are t,x,y,z with t
// in seconds; three fields are x,y,z and hasTime is false.
func ParseLine(line string) (s signal.Sample, hasTime bool, err error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';'
	})
	var vals []float64
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return signal.Sample{}, false, fmt.Errorf("invalid value %q: %w", f, err)
		}
		vals = append(vals, v)
	}
	switch len(vals) {
	case 3:
		return signal.Sample{Value: signal.Vec3{vals[0], vals[1], vals[2]}}, false, nil
	case 4:
		return signal.Sample{Time: secondsToDuration(vals[0]), Value: signal.Vec3{vals[1], vals[2], vals[3]}}, true, nil
	default:
		return signal.Sample{}, false, fmt.Errorf("expected 3 or 4 fields, got %d", len(vals))
	}
}

// Capture reads n samples from r. Lines without a timestamp are stamped with
// the time since capture started according to clock. Lines that do not parse
// are skipped. Capture returns early with ctx.Err() on cancellation, and
// with the samples read so far plus io.ErrUnexpectedEOF if r ends first.
func Capture(ctx context.Context, r io.Reader, n int, clock timeutil.Clock) ([]signal.Sample, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sample count must be positive, got %d", n)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scan := bufio.NewScanner(r)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking Scan runs apart from the select below so cancellation is
	// observed even while the device is silent
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	start := clock.Now()
	samples := make([]signal.Sample, 0, n)
	skipped := 0
	for len(samples) < n {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return samples, fmt.Errorf("reading device: %w", err)
				default:
				}
				return samples, fmt.Errorf("device closed after %d of %d samples: %w", len(samples), n, io.ErrUnexpectedEOF)
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			s, hasTime, err := ParseLine(line)
			if err != nil {
				skipped++
				monitoring.Debugf("ingest: skipping %q: %v", line, err)
				continue
			}
			if !hasTime {
				s.Time = clock.Since(start)
			}
			if k := len(samples); k > 0 && s.Time <= samples[k-1].Time {
				skipped++
				monitoring.Debugf("ingest: skipping out-of-order sample at %v", s.Time)
				continue
			}
			samples = append(samples, s)
		}
	}
	if skipped > 0 {
		monitoring.Logf("ingest: captured %d samples, skipped %d lines", len(samples), skipped)
	}
	return samples, nil
}

var errNoDevice = errors.New("no serial device given")

// CaptureFromPort opens path, captures n samples and closes the port.
func CaptureFromPort(ctx context.Context, path string, opts PortOptions, n int) ([]signal.Sample, error) {
	if path == "" {
		return nil, errNoDevice
	}
	port, err := OpenPort(path, opts)
	if err != nil {
		return nil, err
	}
	defer port.Close()
	return Capture(ctx, port, n, timeutil.RealClock{})
}
