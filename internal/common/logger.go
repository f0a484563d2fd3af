package common

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"
)

var (
	globalLogger arbor.ILogger
	loggerMu     sync.Mutex
)

// GetLogger returns the process logger, falling back to a plain console
// logger when InitLogger has not run (early startup, tests).
func GetLogger() arbor.ILogger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(consoleWriter("15:04:05", true))
	}
	return globalLogger
}

// InitLogger builds the process logger from the logging config: console
// and/or rolling-file writers, level, time format. The result is also
// installed as the global logger.
func InitLogger(config *Config) arbor.ILogger {
	timeFormat := config.Logging.TimeFormat
	if timeFormat == "" {
		timeFormat = "15:04:05"
	}
	textOutput := config.Logging.Format != "json"

	logger := arbor.NewLogger()
	for _, output := range config.Logging.Output {
		switch output {
		case "stdout", "console":
			logger = logger.WithConsoleWriter(consoleWriter(timeFormat, textOutput))
		case "file":
			if path, ok := logFilePath(); ok {
				logger = logger.WithFileWriter(arbormodels.WriterConfiguration{
					Type:             arbormodels.LogWriterTypeFile,
					FileName:         path,
					TimeFormat:       timeFormat,
					MaxSize:          100 * 1024 * 1024,
					MaxBackups:       3,
					OutputType:       outputFormat(textOutput),
					DisableTimestamp: false,
				})
			}
		}
	}
	if len(config.Logging.Output) == 0 {
		logger = logger.WithConsoleWriter(consoleWriter(timeFormat, textOutput))
	}
	logger = logger.WithLevelFromString(config.Logging.Level)

	loggerMu.Lock()
	globalLogger = logger
	loggerMu.Unlock()
	return logger
}

func consoleWriter(timeFormat string, textOutput bool) arbormodels.WriterConfiguration {
	return arbormodels.WriterConfiguration{
		Type:             arbormodels.LogWriterTypeConsole,
		TimeFormat:       timeFormat,
		OutputType:       outputFormat(textOutput),
		DisableTimestamp: false,
	}
}

func outputFormat(textOutput bool) arbormodels.OutputFormat {
	if textOutput {
		return arbormodels.OutputFormatLogfmt
	}
	return arbormodels.OutputFormatJSON
}

// logFilePath resolves logs/conveyor.log next to the binary, creating
// the directory. Returns false when the location cannot be prepared so
// file logging is skipped rather than aborting startup.
func logFilePath() (string, bool) {
	execPath, err := os.Executable()
	if err != nil {
		return "", false
	}
	dir := filepath.Join(filepath.Dir(execPath), "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false
	}
	return filepath.Join(dir, "conveyor.log"), true
}
