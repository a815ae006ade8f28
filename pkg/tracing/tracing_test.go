package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wonny/autotrader/pkg/config"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), &config.Config{}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := StartSpan(context.Background(), "noop")
	assert.NotPanics(t, func() { End(span, errors.New("ignored")) })
}

func TestInitExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{Env: "development", Tracing: config.TracingConfig{Enabled: true, ServiceName: "autotrader-test"}}

	shutdown, err := Init(context.Background(), cfg, &buf)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "job.screening", attribute.String("job", "screening"))
	End(span, nil)

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "job.screening")
}
