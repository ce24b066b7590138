// Package logger builds the gateway's zap logger: console plus
// rotated JSON file output, and a pubsub bridge core that republishes
// log entries so operators can tail them over the admin WebSocket.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/edgeflow/shadowgw/internal/pubsub"
)

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	LogDir     string // directory for log files (empty = no file logging)
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		LogDir:     "./logs",
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Compress:   true,
	}
}

var (
	globalLogger *zap.Logger
	globalHub    *pubsub.Hub
	mu           sync.RWMutex
)

// Init builds the global logger. hub may be nil until the admin
// pubsub hub is constructed; SetHub attaches it later so early
// bootstrap logging isn't blocked on hub construction order.
func Init(cfg Config, hub *pubsub.Hub) error {
	logLevel, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		logLevel = zapcore.InfoLevel
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core

	var baseEncoder zapcore.Encoder
	if cfg.Format == "json" {
		baseEncoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		baseEncoder = zapcore.NewConsoleEncoder(encoderCfg)
	}
	cores = append(cores, zapcore.NewCore(baseEncoder, zapcore.AddSync(os.Stdout), logLevel))

	if cfg.LogDir != "" {
		if mkErr := os.MkdirAll(cfg.LogDir, 0755); mkErr != nil {
			return fmt.Errorf("logger: create log directory: %w", mkErr)
		}
		fileWriter := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "shadowgw.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(fileWriter), logLevel))
	}

	cores = append(cores, &hubBridgeCore{level: logLevel})

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	globalLogger = l
	globalHub = hub
	mu.Unlock()

	return nil
}

// SetHub attaches the admin pubsub hub used by the bridge core; safe
// to call after Init once the hub is constructed.
func SetHub(hub *pubsub.Hub) {
	mu.Lock()
	defer mu.Unlock()
	globalHub = hub
}

func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return globalLogger
}

func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}

// WithShadow returns a logger scoped to a thing/shadow pair.
func WithShadow(thing, shadowName string) *zap.Logger {
	return Get().With(zap.String("thing", thing), zap.String("shadow_name", shadowName))
}

type logEntry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// hubBridgeCore republishes every log entry at or above its level
// onto the admin pubsub hub's "logs/<level>" topic so an operator's WebSocket
// session can tail them live.
type hubBridgeCore struct {
	level  zapcore.Level
	fields []zapcore.Field
}

func (c *hubBridgeCore) Enabled(lvl zapcore.Level) bool { return lvl >= c.level }

func (c *hubBridgeCore) With(fields []zapcore.Field) zapcore.Core {
	combined := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	combined = append(combined, c.fields...)
	combined = append(combined, fields...)
	return &hubBridgeCore{level: c.level, fields: combined}
}

func (c *hubBridgeCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		ce = ce.AddCore(entry, c)
	}
	return ce
}

func (c *hubBridgeCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	mu.RLock()
	hub := globalHub
	mu.RUnlock()
	if hub == nil {
		return nil
	}

	extra := make(map[string]interface{})
	allFields := append(c.fields, fields...)
	for _, f := range allFields {
		switch f.Type {
		case zapcore.StringType:
			extra[f.Key] = f.String
		case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
			extra[f.Key] = f.Integer
		case zapcore.BoolType:
			extra[f.Key] = f.Integer == 1
		case zapcore.DurationType:
			extra[f.Key] = time.Duration(f.Integer).String()
		case zapcore.ErrorType:
			if f.Interface != nil {
				extra[f.Key] = fmt.Sprintf("%v", f.Interface)
			}
		}
	}

	payload, err := json.Marshal(logEntry{Level: entry.Level.String(), Message: entry.Message, Fields: extra})
	if err != nil {
		return nil
	}

	hub.Publish(pubsub.Message{Topic: "logs/" + entry.Level.String(), Timestamp: entry.Time, Payload: payload})
	return nil
}

func (c *hubBridgeCore) Sync() error { return nil }
