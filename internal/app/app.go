package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"custody-mint-sync/internal/bridge"
	"custody-mint-sync/internal/config"
	"custody-mint-sync/internal/eventbus"
	"custody-mint-sync/internal/logging"
	"custody-mint-sync/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// ConfigPath is watched by Run for log level changes. Empty disables the watch.
	ConfigPath string
	// Out receives command output; nil means stdout.
	Out io.Writer

	// newRemote overrides the HTTP client in tests.
	newRemote func() bridge.Remote
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

func (a *App) openPort(ctx context.Context) (storage.Port, func(), error) {
	port, err := storage.Open(ctx, a.Config.Storage, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	if a.Config.Storage.Backend == "" || a.Config.Storage.Backend == "memory" {
		a.Logger.Warn().Msg("storage.backend is memory; state will not survive a restart")
	}
	closer := func() {
		if err := port.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("closing storage failed")
		}
	}
	return port, closer, nil
}

// openBridge wires a bridge over the configured storage. Persisted state is loaded unless the
// caller is about to Run, which loads after taking the advisory lock.
func (a *App) openBridge(ctx context.Context, load bool) (*bridge.Bridge, func(), error) {
	port, closePort, err := a.openPort(ctx)
	if err != nil {
		return nil, nil, err
	}
	opts := bridge.Options{Config: a.Config, Port: port}
	if a.newRemote != nil {
		opts.Remote = a.newRemote()
	}
	b, err := bridge.New(opts, a.Logger)
	if err != nil {
		closePort()
		return nil, nil, err
	}
	if load {
		b.Load(ctx)
	}
	return b, closePort, nil
}

// Run executes the long-running reconciliation engine.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, closePort, err := a.openBridge(ctx, false)
	if err != nil {
		return err
	}
	defer closePort()

	if a.ConfigPath != "" {
		if err := config.Watch(a.ConfigPath, a.Logger, func(cfg *config.Config) {
			lvl := logging.SetLevel(cfg.Logging.Level)
			a.Logger.Info().Str("level", lvl.String()).Msg("log level applied")
		}); err != nil {
			a.Logger.Warn().Err(err).Msg("config watch disabled")
		}
	}

	unsubscribe := b.SubscribeAsync(a.logEvent)
	defer unsubscribe()

	a.Logger.Info().Msg("starting reconciliation engine")
	err = b.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("reconciliation engine stopped")
	return nil
}

func (a *App) logEvent(ev eventbus.Event) {
	a.Logger.Info().
		Str("event_type", ev.Type).
		Str("source", ev.Source).
		Uint64("revision", ev.Revision).
		Msg("state changed")
}

// ExportOptions hold parameters for exporting completed mints.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Status string
	Events bool
}

// ApproveOptions configure the approve command.
type ApproveOptions struct {
	LockID     string
	Amount     decimal.Decimal
	ApprovedBy string
}

// RejectOptions configure the reject command.
type RejectOptions struct {
	LockID     string
	Reason     string
	RejectedBy string
}

// CompleteOptions configure the complete command.
type CompleteOptions struct {
	AuthorizationCode string
	Amount            decimal.Decimal
	TxHash            string
	BlockNumber       uint64
	MintedBy          string
	ContractAddress   string
}
