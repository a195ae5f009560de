package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTextLogger_LevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "warn"}, &buf)
	require.NoError(t, err)

	l.Infof("hidden %d", 1)
	l.WithField("worker", "abc").Warnf("task %d failed", 7)

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "task 7 failed")
	require.Contains(t, out, "worker=abc")
	require.Contains(t, out, "level=warning")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	l.WithField("topic", "ekc-reg").Debug("registered")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "registered", entry["msg"])
	require.Equal(t, "ekc-reg", entry["topic"])
	require.Equal(t, "debug", entry["level"])
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
	_, err = New(Config{Format: "xml"})
	require.Error(t, err)
}

func TestRaiseLevel(t *testing.T) {
	require.Equal(t, "info", RaiseLevel("info", 0))
	require.Equal(t, "debug", RaiseLevel("info", 1))
	require.Equal(t, "trace", RaiseLevel("info", 2))
	require.Equal(t, "trace", RaiseLevel("info", 5))
	require.Equal(t, "info", RaiseLevel("", 0))
	require.True(t, strings.HasPrefix(RaiseLevel("error", 1), "warn"))
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Error("nothing")
	l.WithField("k", 1).Infof("nothing %d", 2)
}
