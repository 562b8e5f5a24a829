package obs

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	return cfg.Build()
}

// Convenience typed fields, extended past the teacher's set with the
// Duration and UUID helpers the attempt/event identifiers need.
func String(k, v string) zap.Field             { return zap.String(k, v) }
func Int(k string, v int) zap.Field            { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field          { return zap.Bool(k, v) }
func Err(err error) zap.Field                  { return zap.Error(err) }
func Duration(k string, v time.Duration) zap.Field { return zap.Duration(k, v) }
func UUID(k string, v uuid.UUID) zap.Field     { return zap.String(k, v.String()) }
