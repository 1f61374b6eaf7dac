// Package convert runs one conversion of a multi-position source file:
// eager validation, one pipeline job per position, and a per-position
// summary.
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"scenesplit/internal/backend"
	"scenesplit/internal/calibration"
	"scenesplit/internal/channels"
	"scenesplit/internal/extract"
	"scenesplit/internal/faults"
	"scenesplit/internal/logging"
	"scenesplit/internal/output"
	"scenesplit/internal/pipeline"
	"scenesplit/internal/report"
	"scenesplit/internal/storage"
)

// DefaultPrefix names position folders when the request has no prefix.
const DefaultPrefix = "embryo"

// Request is one conversion run.
type Request struct {
	Input      string
	OutputRoot string
	Prefix     string
	// Positions to convert; empty means all.
	Positions []int
	// Names overrides the folder name of individual positions.
	Names          map[int]string
	Channels       []channels.Binding
	ChannelOptions channels.Options
	Overrides      calibration.Input
	Extract        extract.Options
	Output         output.Options
	// InfoOnly reports the source without extracting or writing anything.
	InfoOnly bool
}

// Outcome is the result of one position.
type Outcome struct {
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Error    error         `json:"-"`
	Paths    output.Paths  `json:"paths"`
	Bytes    int64         `json:"volume_bytes"`
	Duration time.Duration `json:"duration_ns"`
}

// Summary describes a finished run.
type Summary struct {
	RunID       string
	Info        backend.Info
	Calibration calibration.Spec
	Warnings    []calibration.Warning
	Mapping     channels.Mapping
	Report      *report.Report
	Positions   []Outcome
}

// Failed returns the number of failed positions.
func (s Summary) Failed() int {
	n := 0
	for _, o := range s.Positions {
		if o.Error != nil {
			n++
		}
	}
	return n
}

// Options configure a Converter.
type Options struct {
	// Jobs is the number of positions converted concurrently.
	Jobs int
	// MemoryBudget caps the bytes of volumes in flight.
	MemoryBudget int64
	Store        *storage.Store
	Logger       *slog.Logger
	// Now stamps metadata records; defaults to time.Now.
	Now func() time.Time
}

// runState is what a position job needs from its run.
type runState struct {
	ctx      context.Context
	req      Request
	info     backend.Info
	cal      calibration.Spec
	warnings []calibration.Warning
	mapping  channels.Mapping
}

// Converter runs conversions through a shared pipeline.
type Converter struct {
	backend *backend.Backend
	store   *storage.Store
	log     *slog.Logger
	now     func() time.Time
	pipe    *pipeline.Pipeline
	runs    sync.Map // run id -> *runState
}

// New starts a Converter and its worker pool. Close releases it.
func New(ctx context.Context, b *backend.Backend, opts Options) *Converter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Converter{backend: b, store: opts.Store, log: opts.Logger, now: opts.Now}
	c.pipe = pipeline.New(ctx, opts.Jobs, opts.MemoryBudget, opts.Logger, opts.Store, c)
	return c
}

// Pipeline exposes the worker pool for result subscribers.
func (c *Converter) Pipeline() *pipeline.Pipeline { return c.pipe }

// Close stops the worker pool after queued jobs finish.
func (c *Converter) Close() { c.pipe.Stop() }

// plan is a validated run ready for dispatch.
type plan struct {
	state     *runState
	positions []int
	names     []string
}

// prepare opens the source and validates every caller-supplied option. It
// creates nothing on disk.
func (c *Converter) prepare(ctx context.Context, req Request) (*plan, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, faults.Validation("convert", "input path is required")
	}
	if err := calibration.ValidateOverrides(req.Overrides); err != nil {
		return nil, err
	}
	if !req.InfoOnly {
		if strings.TrimSpace(req.OutputRoot) == "" {
			return nil, faults.Validation("convert", "output directory is required")
		}
		if err := req.Output.Validate(); err != nil {
			return nil, err
		}
	}

	r, err := c.backend.Open(req.Input)
	if err != nil {
		return nil, err
	}
	info := r.Info()
	if err := r.Close(); err != nil {
		c.log.Warn("failed to close source", "input", req.Input, "error", err)
	}
	if info.Positions < 1 {
		return nil, faults.Format("convert", "%s contains no positions", req.Input)
	}

	cal, warnings := calibration.Resolve(calibration.FromInfo(info), req.Overrides)
	for _, w := range warnings {
		c.log.Warn("calibration unknown", "input", req.Input, "field", w.Field, "detail", w.Message)
	}
	st := &runState{ctx: ctx, req: req, info: info, cal: cal, warnings: warnings}
	if req.InfoOnly {
		return &plan{state: st}, nil
	}

	if st.mapping, err = channels.Build(info.ChannelNames, req.Channels, req.ChannelOptions); err != nil {
		return nil, err
	}
	positions := req.Positions
	if len(positions) == 0 {
		positions = make([]int, info.Positions)
		for i := range positions {
			positions[i] = i
		}
	}
	if err := extract.ValidatePositions(info, positions); err != nil {
		return nil, err
	}
	for p := range req.Names {
		if !slices.Contains(positions, p) {
			return nil, faults.Validation("convert", "name given for position %d, which is not requested", p)
		}
	}

	prefix := req.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	names := make([]string, len(positions))
	seen := make(map[string]int, len(positions))
	for i, p := range positions {
		name := extract.Request{Position: p, Name: req.Names[p]}.OutputName(prefix)
		if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
			return nil, faults.Validation("convert", "invalid output name %q for position %d", name, p)
		}
		if prev, dup := seen[name]; dup {
			return nil, faults.Validation("convert", "positions %d and %d share output name %q", prev, p, name)
		}
		seen[name] = p
		names[i] = name
	}
	return &plan{state: st, positions: positions, names: names}, nil
}

// Run converts the requested positions of req.Input. All validation happens
// before any job starts; a validation failure leaves the output root
// untouched. Position failures do not stop other positions; the returned
// error reports them once every position has finished.
func (c *Converter) Run(ctx context.Context, req Request) (Summary, error) {
	pl, err := c.prepare(ctx, req)
	if err != nil {
		return Summary{}, err
	}
	st := pl.state
	sum := Summary{
		Info:        st.info,
		Calibration: st.cal,
		Warnings:    st.warnings,
		Mapping:     st.mapping,
	}
	if req.InfoOnly {
		rep := report.Summarize(st.info, st.cal, st.warnings)
		sum.Report = &rep
		return sum, nil
	}

	runID := uuid.NewString()
	sum.RunID = runID
	started := c.now()
	if err := c.store.RecordRunStart(storage.RunRecord{
		ID:          runID,
		InputPath:   req.Input,
		OutputRoot:  req.OutputRoot,
		Backend:     st.info.Backend,
		OptionsJSON: optionsJSON(req, st.mapping),
		Positions:   len(pl.positions),
		StartedAt:   started,
	}); err != nil {
		c.log.Warn("failed to record run", "run", runID, "error", err)
	}
	c.runs.Store(runID, st)
	defer c.runs.Delete(runID)

	logging.LogProcessingStep(c.log, runID, "dispatch", "started", map[string]any{
		"input":     req.Input,
		"positions": pl.positions,
		"channels":  st.mapping.Names(),
	})

	reply := make(chan pipeline.Result, len(pl.positions))
	outcomes := make(map[int]Outcome, len(pl.positions))
	submitted := 0
	for i, p := range pl.positions {
		job := pipeline.Job{
			ID:             fmt.Sprintf("%s/P%02d", runID[:8], p),
			RunID:          runID,
			Input:          req.Input,
			Output:         req.OutputRoot,
			Position:       p,
			Name:           pl.names[i],
			EstimatedBytes: st.info.EstimateBytes(len(st.mapping)),
			Reply:          reply,
		}
		if err := c.pipe.Submit(ctx, job); err != nil {
			outcomes[p] = Outcome{Index: p, Name: pl.names[i], Status: storage.StatusFailed,
				Error: fmt.Errorf("position %d not submitted: %w", p, err)}
			continue
		}
		submitted++
	}
	for ; submitted > 0; submitted-- {
		res := <-reply
		outcomes[res.Job.Position] = Outcome{
			Index:    res.Job.Position,
			Name:     res.Job.Name,
			Status:   res.Status(),
			Error:    res.Error,
			Paths:    output.Paths{Dir: filepath.Join(res.Job.Output, res.Job.Name), TIFF: res.TIFFPath, Metadata: res.MetadataPath},
			Bytes:    res.VolumeBytes,
			Duration: res.Duration,
		}
	}

	for _, p := range pl.positions {
		sum.Positions = append(sum.Positions, outcomes[p])
	}
	runErr := summarizeFailures(sum.Positions)
	status, msg := storage.StatusCompleted, ""
	if runErr != nil {
		status, msg = storage.StatusFailed, runErr.Error()
	}
	if err := c.store.RecordRunFinish(runID, status, msg, c.now()); err != nil {
		c.log.Warn("failed to finish run record", "run", runID, "error", err)
	}
	c.log.Info("run finished",
		"run", runID,
		"positions", len(sum.Positions),
		"failed", sum.Failed(),
		"duration", c.now().Sub(started).String(),
	)
	return sum, runErr
}

// Process converts one position; it implements pipeline.Processor.
func (c *Converter) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	v, ok := c.runs.Load(job.RunID)
	if !ok {
		return pipeline.Result{Error: fmt.Errorf("unknown run %s", job.RunID)}
	}
	st := v.(*runState)
	if err := st.ctx.Err(); err != nil {
		return pipeline.Result{Error: fmt.Errorf("position %d not started: %w", job.Position, err)}
	}

	r, err := c.backend.Open(job.Input)
	if err != nil {
		return pipeline.Result{Error: err}
	}
	defer r.Close()

	req := extract.Request{Position: job.Position, Name: job.Name}
	logging.LogProcessingStep(c.log, job.ID, "extract", "started", nil)
	vol, err := extract.Position(st.ctx, r, req, st.mapping, st.req.Extract)
	if err != nil {
		return pipeline.Result{Error: err}
	}
	logging.LogProcessingStep(c.log, job.ID, "extract", "completed", map[string]any{"shape": vol.Shape()})

	md := output.NewMetadata(r.Info(), req, vol, st.cal, st.warnings, st.mapping, job.RunID, c.now())
	paths, err := output.Write(vol, md, st.cal, job.Output, job.Name, st.req.Output)
	if err != nil {
		return pipeline.Result{Error: fmt.Errorf("position %d: %w", job.Position, err)}
	}
	return pipeline.Result{TIFFPath: paths.TIFF, MetadataPath: paths.Metadata, VolumeBytes: vol.Bytes()}
}

// summarizeFailures returns nil when every position succeeded, otherwise an
// error carrying the kind of the first failure.
func summarizeFailures(outcomes []Outcome) error {
	var failed []int
	var first error
	for _, o := range outcomes {
		if o.Error == nil {
			continue
		}
		failed = append(failed, o.Index)
		if first == nil {
			first = o.Error
		}
	}
	if first == nil {
		return nil
	}
	sort.Ints(failed)
	return fmt.Errorf("%d of %d positions failed %v: %w", len(failed), len(outcomes), failed, first)
}

func optionsJSON(req Request, m channels.Mapping) string {
	doc := map[string]any{
		"prefix":      req.Prefix,
		"positions":   req.Positions,
		"channels":    m,
		"normalize":   req.Extract.Normalize,
		"compression": req.Output.TIFF.Compression,
		"bigtiff":     req.Output.TIFF.BigTIFF,
	}
	if vs := req.Overrides.VoxelSize; vs[0] != nil || vs[1] != nil || vs[2] != nil {
		doc["voxel_size"] = vs
	}
	if req.Overrides.TimeInterval != nil {
		doc["time_interval"] = *req.Overrides.TimeInterval
	}
	b, _ := json.Marshal(doc)
	return string(b)
}
