// Logging utilities for the application (package common)
package common

import (
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"log"
	"os"
	"strings"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragenboats logger.ILogger)
// --------------------------------------------------------------------------

// raftKVLogger implements the ILogger interface with custom formatting
type raftKVLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *raftKVLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *raftKVLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *raftKVLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *raftKVLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *raftKVLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *raftKVLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *raftKVLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger is the logger factory passed to logger.SetLoggerFactory; it
// returns no error
func CreateLogger(pkgName string) logger.ILogger {
	// Create standard logger with custom flags
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)

	return &raftKVLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// parseLogLevel converts a string level to logger.LogLevel
func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG
	case "info":
		return logger.INFO
	case "warning", "warn":
		return logger.WARNING
	case "error":
		return logger.ERROR
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers initializes all loggers with the custom format
func InitLoggers(config ServerConfig) {
	// Create custom logger factory

	// Set as the global logger factory. This is still dragonboat's
	// logger package (see DESIGN.md), used purely as a logging facade
	// shared by every package below that calls logger.GetLogger.
	logger.SetLoggerFactory(CreateLogger)

	// Raft core loggers
	logger.GetLogger("node").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("fsmcaller").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("replicator").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("ballotbox").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("readonly").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("logstorage").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("transport").SetLevel(parseLogLevel(config.LogLevel))

	// Store/RPC loggers
	logger.GetLogger("store").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("transport/rpc").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("rpc").SetLevel(parseLogLevel(config.LogLevel))
}
