package utils

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerOptions mirrors the LOG_* settings
type LoggerOptions struct {
	Level      string
	Format     string
	Output     string
	FilePath   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// NewLogger builds a logrus logger writing to stdout, a rotating file or both
func NewLogger(opts LoggerOptions) (*logrus.Logger, error) {
	log := logrus.New()

	level := opts.Level
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	log.SetLevel(parsed)

	switch opts.Format {
	case "json", "":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	default:
		return nil, fmt.Errorf("unsupported log format %q", opts.Format)
	}

	var file io.Writer
	if opts.Output == "file" || opts.Output == "both" {
		file = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   opts.Compress,
		}
	}

	switch opts.Output {
	case "file":
		log.SetOutput(file)
	case "both":
		log.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		log.SetOutput(os.Stdout)
	}

	return log, nil
}
