// pkg/logger/logger.go
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Sugared = *zap.SugaredLogger

// New builds the process logger. Production gets JSON output at info level,
// everything else the colored development console encoder.
func New(env string) Sugared {
	var z *zap.Logger
	var err error
	if env == "prod" {
		z, err = zap.NewProduction()
	} else {
		dev := zap.NewDevelopmentConfig()
		dev.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		z, err = dev.Build()
	}
	if err != nil {
		z = zap.NewExample()
	}
	return z.Sugar().With("svc", "orgstream")
}

// Nop discards everything; handy for tests and optional collaborators.
func Nop() Sugared { return zap.NewNop().Sugar() }

// ForTenant scopes a logger to one tenant so every line carries the org id.
func ForTenant(log Sugared, tenantID string) Sugared {
	if log == nil {
		return Nop()
	}
	return log.With("tenant", tenantID)
}
