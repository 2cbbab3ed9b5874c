package logger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// Log is replaced by Init. The no-op default keeps packages usable in tests
	// that never initialise logging.
	Log        = zap.NewNop()
	gormLogger *GormLogger
)

// GormLogger adapts zap to gorm's logger interface.
type GormLogger struct {
	*zap.Logger
	LogLevel      gormlogger.LogLevel
	SlowThreshold time.Duration

	redactors []*regexp.Regexp
}

var _ gormlogger.Interface = (*GormLogger)(nil)

var defaultSensitiveWords = []string{"password", "token", "secret", "apikey", "credential"}

// Init initializes the global zap logger and the gorm logger wrapper.
// jsonOutput controls whether logs are formatted as JSON.
func Init(debug bool, jsonOutput bool) error {
	var config zap.Config
	var encoderConfig zapcore.EncoderConfig

	if debug {
		config = zap.NewDevelopmentConfig()
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	} else {
		config = zap.NewProductionConfig()
		encoderConfig = zap.NewProductionEncoderConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		config.DisableCaller = true
	}

	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.LevelKey = "level"
	encoderConfig.NameKey = "logger"
	encoderConfig.MessageKey = "msg"
	encoderConfig.StacktraceKey = "stacktrace"
	if !config.DisableCaller {
		encoderConfig.CallerKey = "caller"
	}

	config.EncoderConfig = encoderConfig
	config.DisableStacktrace = !debug

	if jsonOutput {
		config.Encoding = "json"
	} else {
		config.Encoding = "console"
	}

	built, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to build zap logger: %w", err)
	}
	Log = built

	gormLogger = NewGormLogger(Log, debug)
	Log.Info("Logger initialized",
		zap.Bool("debug_mode", debug),
		zap.Bool("json_output", jsonOutput),
		zap.String("log_level", config.Level.Level().String()),
	)
	return nil
}

// NewGormLogger wraps base for gorm. In debug mode every statement is traced
// at Debug; otherwise only slow statements and errors are logged.
func NewGormLogger(base *zap.Logger, debug bool) *GormLogger {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	redactors := make([]*regexp.Regexp, 0, len(defaultSensitiveWords))
	for _, word := range defaultSensitiveWords {
		// word = 'value', word: value, word="value"
		redactors = append(redactors,
			regexp.MustCompile(fmt.Sprintf(`(?i)(%s\s*[:=]\s*)('.*?'|".*?"|\S+)`, regexp.QuoteMeta(word))))
	}
	return &GormLogger{
		Logger:        base.Named("gorm").WithOptions(zap.AddCallerSkip(1)),
		LogLevel:      level,
		SlowThreshold: 200 * time.Millisecond,
		redactors:     redactors,
	}
}

// LogMode returns a copy of the logger with a different gorm level.
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Info {
		l.Logger.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Warn {
		l.Logger.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Error {
		l.Logger.Error(fmt.Sprintf(msg, data...))
	}
}

// Trace logs one executed statement. Errors are logged at Error, slow
// statements at Warn, everything else at Debug when the level is Info.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	isError := err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= gormlogger.Error
	isSlow := l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.LogLevel >= gormlogger.Warn
	if !isError && !isSlow && l.LogLevel < gormlogger.Info {
		return
	}

	sql, rows := fc()
	fields := []zap.Field{
		zap.Duration("duration_ms", elapsed.Round(time.Millisecond)),
		zap.String("sql", l.Redact(sql)),
	}
	if rows > -1 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}

	switch {
	case isError:
		l.Logger.Error("SQL Error", append(fields, zap.Error(err))...)
	case isSlow:
		l.Logger.Warn("Slow Query", append(fields, zap.Duration("threshold", l.SlowThreshold))...)
	default:
		l.Logger.Debug("SQL Query", fields...)
	}
}

// Redact masks values assigned to sensitive keys in sql.
func (l *GormLogger) Redact(sql string) string {
	for _, re := range l.redactors {
		sql = re.ReplaceAllString(sql, `${1}***REDACTED***`)
	}
	return sql
}

// GetGormLogger returns the logger built by Init.
func GetGormLogger() *GormLogger {
	if gormLogger == nil {
		panic("GormLogger is not initialized. Call logger.Init() first.")
	}
	return gormLogger
}
