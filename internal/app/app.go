// -----------------------------------------------------------------------
// Application wiring - builds every service in dependency order
// -----------------------------------------------------------------------

package app

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/bus"
	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/events"
	"github.com/ternarybob/conveyor/internal/governor"
	"github.com/ternarybob/conveyor/internal/handlers"
	"github.com/ternarybob/conveyor/internal/intake"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/metrics"
	"github.com/ternarybob/conveyor/internal/ocr"
	"github.com/ternarybob/conveyor/internal/query"
	"github.com/ternarybob/conveyor/internal/recorder"
	"github.com/ternarybob/conveyor/internal/render"
	"github.com/ternarybob/conveyor/internal/scheduler"
	"github.com/ternarybob/conveyor/internal/scrape"
	badgerstore "github.com/ternarybob/conveyor/internal/storage/badger"
	"github.com/ternarybob/conveyor/internal/storage/blob"
	"github.com/ternarybob/conveyor/internal/worker"
)

// App holds every wired component. Construction order follows the
// dependency graph: storage, events, bus, recorder, then the services
// that sit on top of them.
type App struct {
	Config *common.Config
	Logger arbor.ILogger
	Clock  interfaces.Clock

	// Storage layer
	DB    *badgerstore.BadgerDB
	Store interfaces.MetadataStore
	Blobs interfaces.BlobStore

	// Dispatch and lifecycle
	Events    interfaces.EventService
	Bus       *bus.Bus
	Recorder  *recorder.Service
	Governor  interfaces.RateGovernor
	Intake    interfaces.IntakeService
	Scheduler *scheduler.Service
	Workers   *worker.Pool
	Query     *query.Service
	Metrics   *metrics.Registry

	// HTTP handlers
	JobHandler       *handlers.JobHandler
	ExecutionHandler *handlers.ExecutionHandler
	ArtifactHandler  *handlers.ArtifactHandler
	AdminHandler     *handlers.AdminHandler
	EventsHandler    *handlers.EventsHandler
}

// New initializes the application with all dependencies.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  common.NewSystemClock(),
	}

	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := a.initServices(); err != nil {
		a.closeStorage()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := a.initHandlers(); err != nil {
		a.closeStorage()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	logger.Info().
		Str("database", cfg.Storage.Database.Path).
		Str("blobs", cfg.Storage.Blob.Path).
		Msg("Application initialization complete")
	return a, nil
}

// initStorage opens Badger once; the document store and the message bus
// share the same database.
func (a *App) initStorage() error {
	db, err := badgerstore.NewBadgerDB(a.Logger, &a.Config.Storage.Database)
	if err != nil {
		return err
	}
	a.DB = db
	a.Store = badgerstore.NewDocumentStore(db, a.Logger)

	blobs, err := blob.NewFilesystemStore(a.Config.Storage.Blob.Path, a.Logger)
	if err != nil {
		db.Close()
		return err
	}
	a.Blobs = blobs

	a.Logger.Debug().
		Str("path", a.Config.Storage.Database.Path).
		Msg("Storage layer initialized")
	return nil
}

func (a *App) initServices() error {
	a.Events = events.NewService(a.Logger)

	a.Bus = bus.New(a.DB.Badger(), bus.Options{
		MaxAttempts:       a.Config.Queue.MaxAttempts,
		HighWater:         a.Config.Queue.HighWater,
		LowWater:          a.Config.Queue.LowWater,
		AntiStarvationAge: common.ParseDurationOr(a.Config.Queue.AntiStarvationAge, 10*time.Minute),
		WeightHigh:        a.Config.Queue.WeightHigh,
		WeightNormal:      a.Config.Queue.WeightNormal,
		WeightLow:         a.Config.Queue.WeightLow,
	}, a.Clock, a.Logger)

	a.Recorder = recorder.NewService(a.Store, a.Events, a.Clock, a.Logger)
	a.Bus.SetListener(newLifecycleListener(a.Store, a.Recorder, a.Events, a.Clock, a.Logger))

	keyring := governor.NewKeyring(&a.Config.Auth, a.Clock, a.Logger)
	a.Governor = governor.New(keyring, a.Store, &a.Config.Limits, a.Clock, a.Logger, common.InstanceID())

	a.Intake = intake.NewService(a.Store, a.Bus, a.Recorder, a.Events, a.Clock, a.Logger)
	a.Query = query.NewService(a.Store, a.Bus, a.Blobs, a.Logger)
	a.Scheduler = scheduler.NewService(a.Config, a.Store, a.Bus, a.Recorder, a.Blobs, a.Events, a.Clock, a.Logger)

	a.Metrics = metrics.NewRegistry()
	if err := a.Metrics.WireEvents(a.Events); err != nil {
		return err
	}
	a.Metrics.WireQueueDepth(a.Bus)

	// Worker pool with the two built-in collaborators.
	a.Workers = worker.NewPool(a.Config, a.Bus, a.Store, a.Recorder, a.Blobs, a.Clock, a.Logger)
	renderer := render.NewService()
	a.Workers.RegisterHandler(scrape.NewHandler(
		scrape.NewScraper(a.Config.Scraper, renderer, scrape.NewChromeRenderer(a.Logger), a.Logger)))
	a.Workers.RegisterHandler(ocr.NewHandler(
		ocr.NewEngine(a.Config.OCR, a.Blobs, renderer, a.Logger)))

	a.Logger.Debug().Msg("Services initialized")
	return nil
}

func (a *App) initHandlers() error {
	eventsHandler, err := handlers.NewEventsHandler(a.Events, a.Logger)
	if err != nil {
		return err
	}
	a.EventsHandler = eventsHandler

	a.JobHandler = handlers.NewJobHandler(a.Intake, a.Query, a.Logger)
	a.ExecutionHandler = handlers.NewExecutionHandler(a.Query, a.Logger)
	a.ArtifactHandler = handlers.NewArtifactHandler(a.Query, a.Logger)
	a.AdminHandler = handlers.NewAdminHandler(a.Bus, a.Store, a.Blobs, a.Scheduler, a.Clock, a.Logger)

	a.Logger.Debug().Msg("Handlers initialized")
	return nil
}

// Start brings up the background services: the scheduler loop and the
// worker pool.
func (a *App) Start() error {
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := a.Workers.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	return nil
}

// Close shuts everything down in reverse dependency order. Workers get
// their shutdown grace before storage closes under them.
func (a *App) Close() error {
	if a.Workers != nil {
		if err := a.Workers.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Worker pool stop failed")
		}
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Scheduler stop failed")
		}
	}
	if a.Governor != nil {
		if err := a.Governor.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Governor stop failed")
		}
	}
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Event service close failed")
		}
	}
	a.closeStorage()
	a.Logger.Info().Msg("Application stopped")
	return nil
}

func (a *App) closeStorage() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Document store close failed")
		}
		a.Store = nil
		a.DB = nil
	} else if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Database close failed")
		}
		a.DB = nil
	}
}
