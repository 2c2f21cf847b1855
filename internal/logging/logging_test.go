package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernhealth/scribed/internal/config"
)

func TestNewLogger(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	_ = logger.Sync()

	logger, err = New(config.LoggingConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = New(config.LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)

	_, err = New(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	ctx := WithSessionID(context.Background(), "sess-1")
	fields := ContextFields(ctx)
	require.Len(t, fields, 1)
	assert.Equal(t, "session_id", fields[0].Key)
	assert.Equal(t, "sess-1", fields[0].String)

	assert.Equal(t, "", SessionIDFromContext(context.Background()))
	assert.Equal(t, "sess-1", SessionIDFromContext(ctx))
}

func TestRedaction(t *testing.T) {
	f := RedactedString("idempotency_key", "secret-token")
	assert.Equal(t, "[REDACTED:12]", f.String)

	assert.Equal(t, "D***", PatientName("Doe, Jane").String)
	assert.Equal(t, "", PatientName("").String)
}
