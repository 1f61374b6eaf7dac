// Package cli wires the scenesplit commands to configuration, the run ledger
// and the converter.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"scenesplit/internal/backend"
	"scenesplit/internal/config"
	"scenesplit/internal/convert"
	"scenesplit/internal/czi"
	"scenesplit/internal/faults"
	"scenesplit/internal/ims"
	"scenesplit/internal/logging"
	"scenesplit/internal/server"
	"scenesplit/internal/storage"
)

// Version is stamped at build time with -ldflags "-X scenesplit/internal/cli.Version=...".
var Version = "dev"

type serverFunc func(ctx context.Context, addr string, store *storage.Store, conv *convert.Converter, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, conv *convert.Converter, log *slog.Logger) error {
	srv := server.NewServer(addr, store, nil, log)
	if conv != nil {
		srv = server.NewServer(addr, store, conv.Pipeline(), log)
	}
	return srv.Start(ctx)
}

// Root holds the state shared by every command of one invocation.
type Root struct {
	stdout   io.Writer
	stderr   io.Writer
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	registry *backend.Registry
	serveFn  serverFunc

	// persistent flags
	configPath string
	logLevel   string
	quiet      bool
}

// NewRoot returns a Root writing reports to stdout and diagnostics to stderr.
func NewRoot(stdout, stderr io.Writer) *Root {
	return &Root{
		stdout:   stdout,
		stderr:   stderr,
		registry: backend.NewRegistry(czi.Decoder{}, ims.Decoder{}),
		serveFn:  defaultServe,
	}
}

// Execute runs the command line and returns the process exit status.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return NewRoot(stdout, stderr).Execute(ctx, args)
}

// Execute runs args and returns the process exit status. Errors are printed
// to stderr prefixed with their kind.
func (r *Root) Execute(ctx context.Context, args []string) int {
	cmd := NewRootCmd(r)
	cmd.SetArgs(normalizeArgs(args))
	cmd.SetOut(r.stdout)
	cmd.SetErr(r.stderr)
	err := cmd.ExecuteContext(ctx)
	r.close()
	if err == nil {
		return faults.ExitOK
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(r.stderr, "interrupted")
		return faults.ExitFailure
	}
	r.printError(err)
	return faults.ExitCode(err)
}

// kindLabels are the stderr prefixes of each error kind.
var kindLabels = map[string]string{
	"validation":          "validation error",
	"format":              "format error",
	"backend_unavailable": "backend unavailable",
}

func (r *Root) printError(err error) {
	label, ok := kindLabels[faults.Kind(err)]
	if !ok {
		label = "error"
	}
	msg := err.Error()
	if strings.HasPrefix(msg, label+":") {
		fmt.Fprintln(r.stderr, msg)
		return
	}
	fmt.Fprintf(r.stderr, "%s: %s\n", label, msg)
}

// setup loads configuration and installs logging. It runs before every
// command.
func (r *Root) setup() error {
	var (
		cfg *config.Config
		err error
	)
	if r.configPath != "" {
		cfg, err = config.LoadFile(r.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return faults.Wrap(faults.ErrValidation, "config", "load", "", err)
	}
	switch {
	case r.logLevel != "":
		cfg.Logging.Level = r.logLevel
	case r.quiet:
		cfg.Logging.Level = "warn"
	}
	log, err := logging.SetupWriter(r.stderr, cfg)
	if err != nil {
		return err
	}
	r.cfg, r.log = cfg, log
	return nil
}

// openStore opens the run ledger once per invocation.
func (r *Root) openStore() (*storage.Store, error) {
	if r.store != nil {
		return r.store, nil
	}
	store, err := storage.New(r.cfg.Paths.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open run ledger %s: %w", r.cfg.Paths.DatabasePath, err)
	}
	r.store = store
	return store, nil
}

// ledger is openStore for commands where the ledger is optional.
func (r *Root) ledger() *storage.Store {
	store, err := r.openStore()
	if err != nil {
		r.log.Warn("run ledger unavailable; runs will not be recorded", "error", err)
		return nil
	}
	return store
}

func (r *Root) close() {
	if r.store != nil {
		if err := r.store.Close(); err != nil && r.log != nil {
			r.log.Warn("failed to close run ledger", "error", err)
		}
		r.store = nil
	}
}

// newConverter resolves the configured backends and starts a worker pool.
func (r *Root) newConverter(ctx context.Context, store *storage.Store) (*convert.Converter, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "config", "", "", err)
	}
	b, err := r.registry.Resolve(r.cfg.Backends.Order(), r.log)
	if err != nil {
		return nil, err
	}
	budget, err := r.cfg.MemoryBudget()
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "config", "", "", err)
	}
	r.log.Debug("converter ready",
		"backends", b.Names(),
		"jobs", r.cfg.Processing.ParallelJobs,
		"memory_budget", budget,
	)
	return convert.New(ctx, b, convert.Options{
		Jobs:         r.cfg.Processing.ParallelJobs,
		MemoryBudget: budget,
		Store:        store,
		Logger:       r.log,
	}), nil
}

// multiValueFlags take several space-separated values on the command line.
// Each maps to the number of values it consumes; -1 consumes every following
// integer.
var multiValueFlags = map[string]int{
	"--positions":  -1,
	"--voxel-size": 3,
}

// normalizeArgs folds "--voxel-size 1 1 2" and "--positions 0 2 5" into the
// comma-separated single-token form understood by the flag parser.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			out = append(out, args[i:]...)
			break
		}
		want, ok := multiValueFlags[arg]
		if !ok {
			out = append(out, arg)
			continue
		}
		var values []string
		for j := i + 1; j < len(args); j++ {
			next := args[j]
			if want >= 0 && len(values) == want {
				break
			}
			if !isNumberList(next, want < 0) {
				break
			}
			values = append(values, next)
		}
		if len(values) == 0 {
			out = append(out, arg)
			continue
		}
		out = append(out, arg+"="+strings.Join(values, ","))
		i += len(values)
	}
	return out
}

// isNumberList reports whether s is a comma-separated list of numbers
// (integers only when ints is set).
func isNumberList(s string, ints bool) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if ints {
			if _, err := strconv.Atoi(part); err != nil {
				return false
			}
			continue
		}
		if _, err := strconv.ParseFloat(part, 64); err != nil {
			return false
		}
	}
	return true
}
