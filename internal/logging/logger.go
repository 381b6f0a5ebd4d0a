package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger *slog.Logger

var level = new(slog.LevelVar) // dynamic level, LOG_LEVEL or SetLevel

func init() {
	Init()
}

// Init (re)builds the package logger from the environment:
// LOG_FORMAT=text|json, LOG_LEVEL=debug|info|warn|error and
// LOG_FILE=/path/to/file for a rotating file next to stdout.
func Init() {
	level.Set(parseLevel(os.Getenv("LOG_LEVEL")))

	var out io.Writer = os.Stdout
	if path := os.Getenv("LOG_FILE"); path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    envInt("LOG_FILE_MAX_MB", 10),
			MaxBackups: envInt("LOG_FILE_BACKUPS", 3),
			Compress:   true,
		})
	}

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}

	Logger = slog.New(handler)
}

func SetLevel(l slog.Level) { level.Set(l) }

// Shortcut helpers
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

// WrapSlog adapts the slog logger to the *log.Logger the goburrow
// handlers expect, tagging every line with args.
func WrapSlog(args ...any) *log.Logger {
	return slog.NewLogLogger(Logger.With(args...).Handler(), slog.LevelDebug)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}
