// Package logger configures the process-wide slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/warp/issuance-engine/config"
)

var (
	mu          sync.RWMutex
	current     *slog.Logger
	atomicLevel = new(slog.LevelVar)
)

// Init builds the logger from configuration and installs it as the slog
// default. "json" selects the JSON handler; anything else is tint console.
func Init(cfg config.LoggerConfig) error {
	atomicLevel.Set(ParseLevel(cfg.Level))

	var writer io.Writer
	switch strings.ToLower(cfg.OutputPath) {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writer = file
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: atomicLevel})
	} else {
		handler = consoleHandler(writer, atomicLevel)
	}

	set(slog.New(handler))
	return nil
}

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(s string) slog.Level {
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

func SetLevel(level slog.Level) {
	atomicLevel.Set(level)
}

// Get returns the configured logger, or a console logger on stdout if Init
// was never called.
func Get() *slog.Logger {
	mu.RLock()
	l := current
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = slog.New(consoleHandler(os.Stdout, atomicLevel))
	}
	return current
}

// Set replaces the process logger. Tests use it to capture output.
func Set(l *slog.Logger) {
	set(l)
}

func set(l *slog.Logger) {
	mu.Lock()
	current = l
	mu.Unlock()
	slog.SetDefault(l)
}

func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}

func consoleHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    !isTerminal(w),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == "error" && a.Value.Kind() == slog.KindAny {
				if err, ok := a.Value.Any().(error); ok {
					return tint.Err(err)
				}
			}
			return a
		},
	})
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}
