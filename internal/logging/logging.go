package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures optional rotating file output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func New() *log.Logger {
	return log.New(os.Stdout, "kuma-client ", log.LstdFlags|log.LUTC)
}

// NewWithFile returns a logger writing to stdout and, when a path is set, to
// a size-rotated log file as well.
func NewWithFile(cfg FileConfig) *log.Logger {
	if cfg.Path == "" {
		return New()
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups < 0 {
		cfg.MaxBackups = 3
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return log.New(io.MultiWriter(os.Stdout, rotated), "kuma-client ", log.LstdFlags|log.LUTC)
}
