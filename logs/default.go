package logs

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

type LogConfig struct {
	Level  string `json:"level"`
	Output Output `json:"output"`
	Path   string `json:"path"`
	File   string `json:"file"`
}

func (cfg *LogConfig) Prepare() {
	if cfg.Output == "" {
		cfg.Output = File
	}
	if cfg.Path == "" {
		cfg.Path = "logs"
	}
}

// CreateFileWriter opens (creating if needed) an append-only log file.
func CreateFileWriter(path, name string) (io.Writer, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	file := filepath.Join(path, name)
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// InitLogger configures the package-level logger. A terminal assistant owns
// the screen, so the default output is a file rather than stderr.
func InitLogger(cfg LogConfig, defaultLogFile string) error {
	cfg.Prepare()
	if cfg.File == "" {
		cfg.File = defaultLogFile
	}
	SetLevel(GetLevel(cfg.Level))
	switch cfg.Output {
	case Stdout:
		SetOutput(os.Stdout)
	case Stderr:
		SetOutput(os.Stderr)
	case File:
		writer, err := CreateFileWriter(cfg.Path, cfg.File)
		if err != nil {
			return err
		}
		SetOutput(writer)
	}
	return nil
}

var logger FullLogger = &ILog{
	level:  LevelInfo,
	stdLog: log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile|log.Lmicroseconds),
}

func SetLevel(lv Level)      { logger.SetLevel(lv) }
func SetOutput(w io.Writer)  { logger.SetOutput(w) }
func SetLogger(l FullLogger) { logger = l }

func Debugf(format string, v ...interface{}) { logger.Debugf(format, v...) }
func Infof(format string, v ...interface{})  { logger.Infof(format, v...) }
func Warnf(format string, v ...interface{})  { logger.Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { logger.Errorf(format, v...) }
func Fatalf(format string, v ...interface{}) { logger.Fatalf(format, v...) }
