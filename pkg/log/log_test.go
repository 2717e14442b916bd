package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLevelHelpers(t *testing.T) {
	var buf bytes.Buffer
	InitLogger(&buf, zerolog.InfoLevel, false)

	Debug("too quiet")
	Info("hello")
	Warn("careful")
	Error("boom")

	out := buf.String()
	if strings.Contains(out, "too quiet") {
		t.Errorf("debug line emitted at info level: %s", out)
	}
	for _, want := range []string{"hello", "careful", "boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output: %s", want, out)
		}
	}
}

func TestEntryFields(t *testing.T) {
	var buf bytes.Buffer
	InitLogger(&buf, zerolog.DebugLevel, false)

	WithField("room", "!a:example.org").Info("applied")
	WithFields(map[string]interface{}{"count": 2, "kind": "edit"}).Debug("batch")
	WithError(errors.New("nope")).Warn("failed")

	out := buf.String()
	for _, want := range []string{
		`"room":"!a:example.org"`,
		`"count":2`,
		`"kind":"edit"`,
		`"error":"nope"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in output: %s", want, out)
		}
	}
}
