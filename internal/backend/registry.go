package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"scenesplit/internal/faults"
	"scenesplit/internal/logging"
)

// Registry holds the decoders compiled into the binary.
type Registry struct {
	decoders map[string]Decoder
}

// Status represents the availability of a decoder.
type Status struct {
	Name      string
	Available bool
	Error     error
}

// NewRegistry creates a registry holding decoders.
func NewRegistry(decoders ...Decoder) *Registry {
	r := &Registry{decoders: make(map[string]Decoder)}
	for _, d := range decoders {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a decoder under its lower-cased name.
func (r *Registry) Register(d Decoder) {
	r.decoders[strings.ToLower(d.Name())] = d
}

// CheckBackend verifies that a decoder is registered and usable.
func (r *Registry) CheckBackend(name string) Status {
	name = strings.ToLower(strings.TrimSpace(name))
	d, ok := r.decoders[name]
	if !ok {
		return Status{Name: name, Error: fmt.Errorf("backend %q is not compiled in", name)}
	}
	if err := d.Probe(); err != nil {
		return Status{Name: name, Error: err}
	}
	return Status{Name: name, Available: true}
}

// Statuses reports every registered decoder, sorted by name.
func (r *Registry) Statuses() []Status {
	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Status, 0, len(names))
	for _, name := range names {
		out = append(out, r.CheckBackend(name))
	}
	return out
}

// Resolve probes the decoders named in order (preferred first, then fallbacks)
// and returns the usable ones as a Backend. It fails with
// faults.ErrBackendUnavailable when none is usable.
func (r *Registry) Resolve(order []string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{}
	var tried []string
	for _, name := range order {
		status := r.CheckBackend(name)
		logging.LogBackendStatus(logger, status.Name, status.Available, status.Error)
		tried = append(tried, status.Name)
		if status.Available {
			b.decoders = append(b.decoders, r.decoders[status.Name])
		}
	}
	if len(b.decoders) == 0 {
		return nil, faults.Wrap(faults.ErrBackendUnavailable, "backend", "resolve",
			fmt.Sprintf("none of the configured backends %v is available", tried), nil)
	}
	logger.Debug("backend resolved", "order", b.Names())
	return b, nil
}
