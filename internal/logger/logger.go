package logger

import (
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Format selects the line layout.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// FileOptions controls rotation when logging to a file.
type FileOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	mu           sync.RWMutex
	currentLevel = LevelInfo
	format       = FormatText
	logger       = stdlog.New(os.Stdout, "", 0)
	closer       io.Closer
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "INFO":
		currentLevel = LevelInfo
	case "WARN":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	}
}

// SetFormat selects "text" or "json" output. Unknown values are ignored.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(f) {
	case "text":
		format = FormatText
	case "json":
		format = FormatJSON
	}
}

// SetOutput sends log lines to "stdout", "stderr" or a rotating file at the
// given path.
func SetOutput(output string, opts FileOptions) error {
	var w io.Writer
	var c io.Closer

	switch output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 100
		}
		file := &lumberjack.Logger{
			Filename:   output,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		w, c = file, file
	}

	SetWriter(w)

	mu.Lock()
	prev := closer
	closer = c
	mu.Unlock()

	if prev != nil {
		return prev.Close()
	}
	return nil
}

// SetWriter redirects output to an arbitrary writer.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = stdlog.New(w, "", 0)
}

// Close releases the file sink, if any.
func Close() error {
	mu.Lock()
	c := closer
	closer = nil
	logger = stdlog.New(os.Stdout, "", 0)
	mu.Unlock()

	if c != nil {
		return c.Close()
	}
	return nil
}

type jsonLine struct {
	Time  string `json:"time"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

func log(level Level, f string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()

	if level < currentLevel {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(f, v...)

	if format == FormatJSON {
		line, err := json.Marshal(jsonLine{Time: timestamp, Level: level.String(), Msg: message})
		if err == nil {
			logger.Println(string(line))
			return
		}
	}

	prefix := fmt.Sprintf("[%s] [%s] ", timestamp, level.String())
	logger.Println(prefix + message)
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
