package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	level zap.AtomicLevel
)

// project specific keys
const (
	RequestIDKey = "request_id"
	UserIdKey    = "user_id"
	ServiceKey   = "service"
	GatewayKey   = "gateway"
	PaymentKey   = "gateway_payment_id"
	OrderKey     = "order_id"
	TxKey        = "transaction_id"
	ErrorKey     = "error"
)

const serviceName = "numbers-wallet"

func init() {
	level = zap.NewAtomicLevelAt(parseLevel(os.Getenv("LOG_LEVEL")))

	config := zap.NewProductionConfig()
	config.Level = level

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	encoderConfig.CallerKey = "caller"
	encoderConfig.MessageKey = "message"
	encoderConfig.LevelKey = "level"

	config.EncoderConfig = encoderConfig
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.InitialFields = map[string]interface{}{ServiceKey: serviceName}

	var err error
	Log, err = config.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
}

func parseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil || s == "" {
		return zapcore.InfoLevel
	}
	return l
}

// SetLevel changes the minimum level at runtime, e.g. "debug" outside production.
func SetLevel(s string) {
	level.SetLevel(parseLevel(s))
}

type Fields map[string]interface{}

func Info(msg string, fields ...Fields) {
	Log.Info(msg, toZap(fields)...)
}

func Error(msg string, fields ...Fields) {
	Log.Error(msg, toZap(fields)...)
}

func Debug(msg string, fields ...Fields) {
	Log.Debug(msg, toZap(fields)...)
}

func Warn(msg string, fields ...Fields) {
	Log.Warn(msg, toZap(fields)...)
}

func Fatal(msg string, fields ...Fields) {
	Log.Fatal(msg, toZap(fields)...)
}

// WithError adds an error field to the log entry
func WithError(err error) Fields {
	if err == nil {
		return Fields{}
	}
	return Fields{
		ErrorKey: err.Error(),
	}
}

func Merge(fields ...Fields) Fields {
	merged := make(Fields)
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}

func toZap(fields []Fields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	merged := fields[0]
	if len(fields) > 1 {
		merged = Merge(fields...)
	}
	zapFields := make([]zap.Field, 0, len(merged))
	for k, v := range merged {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return zapFields
}
