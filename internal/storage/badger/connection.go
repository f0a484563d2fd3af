package badger

import (
	"fmt"
	"os"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/conveyor/internal/common"
)

// engineLogger adapts Badger's internal logging onto a leveled logger.
// The engine is chatty at info level, so only warnings and errors
// surface.
type engineLogger struct {
	log log.Logger
}

func newEngineLogger() badgerdb.Logger {
	return &engineLogger{log: log.Logger{
		Level:  log.WarnLevel,
		Writer: &log.ConsoleWriter{Writer: os.Stderr},
	}}
}

func (l *engineLogger) Errorf(format string, v ...interface{})   { l.log.Error().Msgf(format, v...) }
func (l *engineLogger) Warningf(format string, v ...interface{}) { l.log.Warn().Msgf(format, v...) }
func (l *engineLogger) Infof(format string, v ...interface{})    { l.log.Info().Msgf(format, v...) }
func (l *engineLogger) Debugf(format string, v ...interface{})   { l.log.Debug().Msgf(format, v...) }

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.DatabaseConfig
}

// NewBadgerDB creates a new Badger database connection
func NewBadgerDB(logger arbor.ILogger, config *common.DatabaseConfig) (*BadgerDB, error) {
	// If reset_on_startup is enabled, delete the existing database
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	// Ensure the directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = newEngineLogger()

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	return &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
	}, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Badger returns the raw engine for components that manage their own
// keyspace, like the dispatch bus.
func (b *BadgerDB) Badger() *badgerdb.DB {
	return b.store.Badger()
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
