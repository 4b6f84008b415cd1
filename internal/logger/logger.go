package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	colorBlack = iota + 30
	colorRed
	colorGreen
	colorYellow
	colorBlue
	colorMagenta
	colorCyan
	colorWhite

	colorBold     = 1
	colorDarkGray = 90
)

func colorize(s interface{}, c int) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

type Option func(*options)

type options struct {
	out      io.Writer
	level    zerolog.Level
	levelSet bool
	console  *bool
}

// WithOutput sends log lines to w instead of stderr.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithLevel sets the minimum level. DBSDK_LOG_LEVEL still wins.
func WithLevel(level zerolog.Level) Option {
	return func(o *options) {
		o.level = level
		o.levelSet = true
	}
}

// WithConsole forces console (true) or JSON (false) output regardless of ENV.
func WithConsole(console bool) Option {
	return func(o *options) { o.console = &console }
}

// New creates a logger. ENV picks console or JSON output, DBSDK_LOG_LEVEL
// overrides the level.
func New(opts ...Option) zerolog.Logger {
	o := options{out: os.Stderr, level: zerolog.InfoLevel}
	for _, opt := range opts {
		opt(&o)
	}
	if raw := os.Getenv("DBSDK_LOG_LEVEL"); raw != "" {
		if level, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			o.level = level
		}
	}

	console := isDevelopment(os.Getenv("ENV"))
	if o.console != nil {
		console = *o.console
	}

	var l zerolog.Logger
	if console {
		l = NewDevelopment(o.out)
	} else {
		l = NewProduction(o.out)
	}
	return l.Level(o.level)
}

func isDevelopment(env string) bool {
	return env == "development" || env == "dev" || env == ""
}

// NewDevelopment creates a console logger with colored levels.
func NewDevelopment(out io.Writer) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "2006-01-02 15:04:05",
		FormatLevel: func(i interface{}) string {
			var l string
			if ll, ok := i.(string); ok {
				switch ll {
				case "trace":
					l = colorize("TRC", colorMagenta)
				case "debug":
					l = colorize("DBG", colorYellow)
				case "info":
					l = colorize("INF", colorGreen)
				case "warn":
					l = colorize("WRN", colorRed)
				case "error":
					l = colorize("ERR", colorRed)
				case "fatal":
					l = colorize("FTL", colorRed)
				case "panic":
					l = colorize("PNC", colorRed)
				default:
					l = colorize(strings.ToUpper(ll)[0:3], colorBold)
				}
			} else {
				l = strings.ToUpper(fmt.Sprintf("%s", i))[0:3]
			}
			return l
		},
	}
	return zerolog.New(output).With().Timestamp().Logger()
}

// NewProduction creates a JSON logger with UNIX timestamps, the format the
// worker runtime collects.
func NewProduction(out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(out).With().Timestamp().Logger()
}
