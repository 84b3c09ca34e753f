package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/karmaledger/internal/engine"
	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/policy"
	"github.com/roach88/karmaledger/internal/store"
	"github.com/roach88/karmaledger/internal/store/badgerstore"
)

// session is an open engine for the duration of one command.
type session struct {
	engine    *engine.Engine
	backend   store.Backend
	formatter *OutputFormatter
	logger    *slog.Logger
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// newLogger writes text logs to the command's stderr at Info, or Debug
// with --verbose.
func newLogger(opts *RootOptions, cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// loadPolicy returns the --policy tables, or the defaults, with the
// environment's learning overrides applied.
func loadPolicy(opts *RootOptions) (karma.Policy, error) {
	p := karma.DefaultPolicy()
	if opts.Policy != "" {
		loaded, err := policy.Load(opts.Policy)
		if err != nil {
			return karma.Policy{}, err
		}
		p = loaded
	}
	if err := policy.ApplyEnv(&p, os.LookupEnv); err != nil {
		return karma.Policy{}, err
	}
	return p, nil
}

func openBackend(opts *RootOptions, p karma.Policy, logger *slog.Logger) (store.Backend, error) {
	if opts.Database == "" {
		return nil, errors.New("--db is required")
	}
	switch opts.Backend {
	case "", "sqlite":
		return store.Open(opts.Database)
	case "badger":
		cfg := badgerstore.DefaultConfig(opts.Database)
		cfg.Policy = p
		cfg.Logger = logger
		return badgerstore.Open(cfg)
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

// openSession loads the policy, opens the backend and starts an engine.
// Failures are reported through the formatter.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command, extra ...engine.Option) (*session, error) {
	formatter := newFormatter(opts, cmd)
	logger := newLogger(opts, cmd)

	p, err := loadPolicy(opts)
	if err != nil {
		var le *policy.LoadError
		if errors.As(err, &le) {
			_ = formatter.Error(le.Code, le.Message, nil)
		} else {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		}
		return nil, WrapExitError(ExitCommandError, "failed to load policy", err)
	}

	formatter.VerboseLog("opening %s database at %s", opts.Backend, opts.Database)
	backend, err := openBackend(opts, p, logger)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	eopts := append([]engine.Option{engine.WithLogger(logger)}, extra...)
	eng, err := engine.New(ctx, backend, p, eopts...)
	if err != nil {
		backend.Close()
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	return &session{engine: eng, backend: backend, formatter: formatter, logger: logger}, nil
}

func (s *session) Close() {
	if err := s.backend.Close(); err != nil {
		s.logger.Warn("failed to close database", "error", err)
	}
}
