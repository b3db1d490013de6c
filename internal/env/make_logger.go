package env

import (
	"go.uber.org/zap"
)

// MakeLogger builds the CLI's root logger: production defaults with
// console encoding, switched to debug verbosity when the caller asks for it.
func MakeLogger(verbose bool) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	if verbose {
		logConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.TimeKey = "ts"
	return logConfig.Build()
}
