package logx

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"tunwatch/internal/config"
)

var base = logrus.New()

// Init configures the process logger from the logging config section.
func Init(cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if strings.ToLower(cfg.Format) == "json" {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePath == "" {
			base.SetOutput(os.Stdout)
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return err
		}
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxAge := cfg.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 14
		}
		base.SetOutput(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxSize,
			MaxAge:     maxAge,
			MaxBackups: 3,
			Compress:   true,
			LocalTime:  true,
		})
	default:
		base.SetOutput(os.Stdout)
	}
	return nil
}

// L returns the process-wide logger.
func L() *logrus.Logger { return base }

// With returns an entry with structured fields attached.
func With(fields logrus.Fields) *logrus.Entry { return base.WithFields(fields) }
