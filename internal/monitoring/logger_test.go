package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestDebugf(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetDebug(false)
	}()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	Debugf("hidden %d", 1)
	if len(lines) != 0 {
		t.Fatalf("Debugf logged while disabled: %v", lines)
	}

	SetDebug(true)
	Debugf("shown %d", 2)
	if len(lines) != 1 || lines[0] != "debug: shown 2" {
		t.Errorf("Debugf output = %v, want [debug: shown 2]", lines)
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
	Logf("test message: %s", "value")
}
