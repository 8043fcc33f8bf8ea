package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	// File: si se define, los logs van a un archivo rotado en vez de stdout.
	File  string
	Level string
}

func NewLogger(cfg LogConfig) *slog.Logger {
	return slog.New(slog.NewJSONHandler(logWriter(cfg.File), &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}))
}

func logWriter(file string) io.Writer {
	if file == "" {
		return os.Stdout
	}
	return RotatingFile(file)
}

// RotatingFile crea un writer con rotación por tamaño.
func RotatingFile(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
