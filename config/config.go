// This package defines a common config struct which can be used by any subsystem within courier.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug            bool
	RootDir          string
	MaxSendAttempts  int
	SendTimeoutMs    int64
	BackoffBaseMs    int64
	BackoffMaxMs     int64
	ReceiptChunkSize int
	LoggingPrefix    string
	writer           io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithMaxSendAttempts(n int) Option {
	return func(c *Config) {
		c.MaxSendAttempts = n
	}
}

func WithSendTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.SendTimeoutMs = n
	}
}

func WithBackoffBaseMs(n int64) Option {
	return func(c *Config) {
		c.BackoffBaseMs = n
	}
}

func WithBackoffMaxMs(n int64) Option {
	return func(c *Config) {
		c.BackoffMaxMs = n
	}
}

func WithReceiptChunkSize(n int) Option {
	return func(c *Config) {
		c.ReceiptChunkSize = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:            os.Getenv("DEBUG") == "1",
		MaxSendAttempts:  5,
		SendTimeoutMs:    86400000,
		BackoffBaseMs:    100,
		BackoffMaxMs:     5000,
		ReceiptChunkSize: 100,
		LoggingPrefix:    "",
		RootDir:          ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	// a chunk size below 1 can never make progress
	if c.ReceiptChunkSize < 1 {
		c.ReceiptChunkSize = 1
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
