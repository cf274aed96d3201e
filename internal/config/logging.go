package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the rotating log file created under Logs.Directory.
const LogFileName = "psiwatch.log"

// NewLogger builds the process logger: a text handler on w, teed to a
// rotating file when logs.Directory is set. The returned closer releases
// the file and is never nil.
func NewLogger(w io.Writer, logs Logs, debug bool) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var closer io.Closer = nopCloser{}
	if logs.Directory != "" {
		if err := os.MkdirAll(logs.Directory, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(logs.Directory, LogFileName),
			MaxSize:    logs.MaxSizeMB,
			MaxAge:     logs.MaxAgeDays,
			MaxBackups: logs.MaxBackups,
			Compress:   logs.Compress,
		}
		w = io.MultiWriter(w, rotator)
		closer = rotator
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
