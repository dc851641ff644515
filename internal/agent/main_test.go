package agent

import (
	"os"
	"testing"

	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"github.com/cortexmind/cortex/internal/config"
	"github.com/cortexmind/cortex/internal/observability"
)

func TestMain(m *testing.M) {
	cfg := config.NewDefaultConfig()
	logCfg := cfg.Logger
	logCfg.Level = "debug"
	logCfg.ServiceName = "agent-test-suite"
	logCfg.Format = "console"
	observability.Initialize(logCfg, zapcore.Lock(os.Stdout))

	goleak.VerifyTestMain(m,
		goleak.Cleanup(func(exitCode int) {
			observability.Sync()
			observability.ResetForTest()
			os.Exit(exitCode)
		}))
}
