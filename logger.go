package authstate

import (
	"github.com/goliatone/go-logger/glog"
)

// Logger is the structured logger used across the package
type Logger = glog.Logger

// LoggerProvider hands out named loggers
type LoggerProvider interface {
	GetLogger(name string) Logger
}

type staticProvider struct {
	logger Logger
}

func (p staticProvider) GetLogger(string) Logger {
	return p.logger
}

func defaultLogger() Logger {
	return glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Info),
		glog.WithName("authstate"),
		glog.WithAddSource(false),
	)
}

// ResolveLogger picks the logger for the given scope. A provider wins over
// the fallback logger, and a nil result from the provider falls back to it.
// When both are nil the default logger is used.
func ResolveLogger(name string, provider LoggerProvider, logger Logger) (LoggerProvider, Logger) {
	if logger == nil {
		logger = defaultLogger()
	}

	if provider == nil {
		return staticProvider{logger: logger}, logger
	}

	resolved := provider.GetLogger(name)
	if resolved == nil {
		return staticProvider{logger: logger}, logger
	}

	return provider, resolved
}
