// Package logging builds the zap logger shared by every component.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger, or a colourised development
// logger when format is "console". Unknown levels fall back to info.
// Output goes to stderr so it does not interleave with the chat on stdout.
func New(level, format string, outputPaths ...string) (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	cfg.Level = logLevel
	cfg.OutputPaths = append([]string{"stderr"}, outputPaths...)
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}
