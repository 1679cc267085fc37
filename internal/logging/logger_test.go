package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"grimm.is/flowgate/internal/brand"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{
		Level:      LevelDebug,
		Output:     &buf,
		JSON:       true,
		TimeFormat: time.RFC3339,
	}

	logger := New(cfg)
	if logger == nil {
		t.Fatal("New logger should not be nil")
	}

	t.Run("Levels", func(t *testing.T) {
		for _, log := range []func(string, ...any){logger.Debug, logger.Info, logger.Warn, logger.Error} {
			buf.Reset()
			log("level msg")
			if !strings.Contains(buf.String(), "level msg") {
				t.Errorf("missing message in %q", buf.String())
			}
		}
	})

	t.Run("DynamicLevel", func(t *testing.T) {
		logger.SetLevel(LevelError)
		if logger.GetLevel() != LevelError {
			t.Error("SetLevel failed")
		}

		buf.Reset()
		logger.Info("should not appear")
		if buf.Len() > 0 {
			t.Error("Logged info message when level was Error")
		}

		logger.SetLevel(LevelDebug)
	})

	t.Run("WithComponent", func(t *testing.T) {
		buf.Reset()
		logger.WithComponent("conntrack").Info("msg")

		var rec map[string]any
		if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if rec["component"] != "conntrack" {
			t.Errorf("component = %v", rec["component"])
		}
	})

	t.Run("WithFields", func(t *testing.T) {
		buf.Reset()
		logger.WithFields(map[string]any{"peer": "branch-1"}).Info("msg")
		if !strings.Contains(buf.String(), "branch-1") {
			t.Error("WithFields missing fields")
		}
	})
}

func TestConsoleHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.WithComponent("NAT").Info("Installed rule", "name", "masq", "pool", "198.51.100.5 20000-20100")

	line := buf.String()
	if !strings.Contains(line, brand.LowerName+"[") {
		t.Errorf("missing process name: %q", line)
	}
	if !strings.Contains(line, "[info] nat: Installed rule") {
		t.Errorf("unexpected header: %q", line)
	}
	if !strings.Contains(line, "name=masq") {
		t.Errorf("missing attr: %q", line)
	}
	if !strings.Contains(line, `pool="198.51.100.5 20000-20100"`) {
		t.Errorf("value with spaces not quoted: %q", line)
	}
	if strings.Contains(line, "component=") {
		t.Errorf("component should be promoted, not repeated: %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	if err != nil || lvl != LevelDebug {
		t.Errorf("ParseLevel(debug) = %v, %v", lvl, err)
	}
	lvl, err = ParseLevel("")
	if err != nil || lvl != LevelInfo {
		t.Errorf("ParseLevel(\"\") = %v, %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestDefaultLogger(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default logger is nil")
	}

	prev := Default()
	defer SetDefault(prev)

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	SetDefault(New(cfg))

	Default().Info("info")
	Default().WithComponent("comp").Warn("comp msg")

	if buf.Len() == 0 {
		t.Error("Default logger captured no output")
	}
	if OrDefault(nil) != Default() {
		t.Error("OrDefault(nil) should return the default logger")
	}
}
