package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/cortexmind/cortex/internal/config"
)

func TestGetLogger_FallbackBeforeInit(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	// The fallback must be usable without panicking.
	logger.Info("fallback logger works")
}

func TestInitialize_OnlyOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	sink := zapcore.AddSync(zaptest.NewTestingWriter(t))
	Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "first"}, sink)
	first := GetLogger()

	// A second Initialize must be a no-op.
	Initialize(config.LoggerConfig{Level: "error", Format: "console", ServiceName: "second"}, sink)
	assert.Same(t, first, GetLogger())
}

func TestInitialize_InvalidLevelDefaultsToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	sink := zapcore.AddSync(zaptest.NewTestingWriter(t))
	Initialize(config.LoggerConfig{Level: "not-a-level", Format: "json", ServiceName: "test"}, sink)

	logger := GetLogger()
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}
