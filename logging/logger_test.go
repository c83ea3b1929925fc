package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTextLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewTextLogger(buf, slog.LevelInfo)
	require.NotNil(t, logger)

	logger.Info("test message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestNewJSONLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewJSONLogger(buf, slog.LevelInfo)

	logger.Info("test message", Height(7), BlockHash([]byte{0xab, 0xcd}))

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "test message", parsed["msg"])
	assert.Equal(t, float64(7), parsed["height"])
	assert.Equal(t, "abcd", parsed["block_hash"])
}

func TestNewNopLogger(t *testing.T) {
	logger := NewNopLogger()
	require.NotNil(t, logger)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.WithComponent("x").Error("error message")
}

func TestLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewTextLogger(buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestWithComponentAndPeer(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewTextLogger(buf, slog.LevelInfo).WithComponent("engine").WithPeer("node1")

	logger.Info("hello")

	assert.Contains(t, buf.String(), "component=engine")
	assert.Contains(t, buf.String(), "peer=node1")
}

func TestNewFromOptions(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := NewFromOptions(buf, "debug", "json")
	require.NoError(t, err)
	logger.Debug("dbg")
	assert.Contains(t, buf.String(), `"msg":"dbg"`)

	_, err = NewFromOptions(buf, "loud", "text")
	require.Error(t, err)

	_, err = NewFromOptions(buf, "info", "xml")
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestAttributes(t *testing.T) {
	assert.Equal(t, "component", Component("x").Key)
	assert.Equal(t, "tx_hash", TxHash([]byte{1}).Key)
	assert.Equal(t, "01", TxHash([]byte{1}).Value.String())
	assert.Equal(t, "reason", Reason("nonce").Key)
	assert.Equal(t, "error", Error(errors.New("boom")).Key)
	assert.Equal(t, slog.Attr{}, Error(nil))
	assert.Equal(t, float64(1500), Duration(1500*time.Millisecond).Value.Float64())
}
