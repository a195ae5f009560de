package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitialize_None(t *testing.T) {
	shutdown, err := Initialize(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitialize_Errors(t *testing.T) {
	for _, cfg := range []Config{
		{Exporter: "carrier-pigeon"},
		{Exporter: ExporterZipkin},
		{Exporter: ExporterJaeger},
	} {
		_, err := Initialize(context.Background(), cfg)
		require.Error(t, err, cfg.Exporter)
	}
}

func TestInitialize_Stdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Initialize(context.Background(), Config{
		Exporter:    ExporterStdout,
		ServiceName: "ekc-test",
		Writer:      &buf,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "coordinator.dispatch")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	require.Contains(t, buf.String(), "coordinator.dispatch")
	require.Contains(t, buf.String(), "ekc-test")
}
