package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/blockchat/config"
)

func TestNewProvider_Stdout(t *testing.T) {
	var buf bytes.Buffer
	provider, err := NewProvider(ProviderConfig{
		ServiceName: "blockchat-test",
		NodeName:    "node0",
		Exporter:    "stdout",
		SampleRate:  1,
		Writer:      &buf,
	})
	require.NoError(t, err)

	_, span := Tracer(provider).Start(context.Background(), "engine.apply_block")
	require.True(t, span.IsRecording())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
	require.Contains(t, buf.String(), "engine.apply_block")
	require.Contains(t, buf.String(), "blockchat-test")
}

func TestNewProvider_NeverSample(t *testing.T) {
	provider, err := NewProvider(ProviderConfig{ServiceName: "x", Exporter: "none", SampleRate: 0})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	_, span := Tracer(provider).Start(context.Background(), "span")
	defer span.End()
	require.False(t, span.IsRecording())
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(ProviderConfig{Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestSetup_Disabled(t *testing.T) {
	provider, shutdown, err := Setup(config.TracingConfig{Enabled: false}, "node0", "dev")
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, shutdown(context.Background()))

	_, span := Tracer(provider).Start(context.Background(), "span")
	require.False(t, span.IsRecording())
	span.End()
}

func TestTracer_NilProvider(t *testing.T) {
	_, span := Tracer(nil).Start(context.Background(), "span")
	require.False(t, span.IsRecording())
	span.End()
}
