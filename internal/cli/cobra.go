package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"scenesplit/internal/channels"
	"scenesplit/internal/config"
	"scenesplit/internal/convert"
	"scenesplit/internal/extract"
	"scenesplit/internal/faults"
	"scenesplit/internal/fsutil"
	"scenesplit/internal/output"
	"scenesplit/internal/report"
	"scenesplit/internal/server"
	"scenesplit/internal/storage"
	"scenesplit/internal/watch"
)

// NewRootCmd creates the root Cobra command. The root command converts when
// given --input, exactly like "scenesplit convert".
func NewRootCmd(root *Root) *cobra.Command {
	var flags convertFlags

	rootCmd := &cobra.Command{
		Use:   "scenesplit",
		Short: "Split multi-position microscopy acquisitions into per-position hyperstacks",
		Long: `scenesplit reads a multi-position acquisition (Zeiss .czi or Imaris .ims),
extracts every requested position as a TZCYX volume and writes it as an
ImageJ-compatible TIFF hyperstack next to an acquisition metadata record.`,
		Example: `  scenesplit --input embryos.czi --output out --positions 0 2 --membrane-channel 1 --nuclei-channel 2
  scenesplit info embryos.czi --format json`,
		Args:          noArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.input == "" && !cmd.Flags().Changed("info-only") {
				return cmd.Help()
			}
			return root.runConvert(cmd, &flags)
		},
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return faults.Wrap(faults.ErrValidation, "cli", "flags", "", err)
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&root.configPath, "config", "", "configuration file (default $"+config.EnvConfigPath+" or ~/.config/scenesplit/config.json)")
	pf.StringVar(&root.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	pf.BoolVarP(&root.quiet, "quiet", "q", false, "only log warnings and errors")

	flags.bindAll(rootCmd)

	rootCmd.AddCommand(newConvertCmd(root))
	rootCmd.AddCommand(newInfoCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newBackendsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return faults.Validation("cli", "unexpected argument %q for %s", args[0], cmd.CommandPath())
	}
	return nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return faults.Validation("cli", "%s takes %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

// convertFlags collects the options shared by convert, info and watch.
type convertFlags struct {
	input     string
	output    string
	prefix    string
	positions []int
	names     []string
	infoOnly  bool
	format    string

	membrane    int
	nuclei      int
	channels    []string
	exclude     []int
	dextran     []int
	allowRepeat bool

	voxelSize    []float64
	timeInterval float64

	backend     string
	jobs        int
	memoryLimit string
	compression string
	bigtiff     string
	normalize   bool
}

func (f *convertFlags) bindAll(cmd *cobra.Command) {
	f.bindSource(cmd)
	f.bindPositions(cmd)
	f.bindOutput(cmd)
	f.bindChannels(cmd)
	f.bindCalibration(cmd)
	f.bindRuntime(cmd)
	f.bindReport(cmd)
}

func (f *convertFlags) bindSource(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.input, "input", "i", "", "source acquisition (.czi, .ims)")
	fl.BoolVar(&f.infoOnly, "info-only", false, "report the source and exit without writing anything")
	fl.StringArrayVar(&f.names, "position-name", nil, "folder name for one position as index=name (repeatable)")
}

func (f *convertFlags) bindPositions(cmd *cobra.Command) {
	cmd.Flags().IntSliceVar(&f.positions, "positions", nil, "positions to convert, space or comma separated (default all)")
}

func (f *convertFlags) bindOutput(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.output, "output", "o", "", "output root directory")
	fl.StringVar(&f.prefix, "prefix", convert.DefaultPrefix, "position folder prefix")
	fl.StringVar(&f.compression, "compression", output.CompressionNone, "TIFF compression (none|deflate)")
	fl.StringVar(&f.bigtiff, "bigtiff", output.BigTIFFAuto, "BigTIFF container (auto|always|never)")
	fl.BoolVar(&f.normalize, "normalize", false, "rescale 8-bit sources to the 16-bit range")
}

func (f *convertFlags) bindChannels(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.IntVar(&f.membrane, "membrane-channel", -1, "source channel index of the membrane marker")
	fl.IntVar(&f.nuclei, "nuclei-channel", -1, "source channel index of the nuclear marker")
	fl.StringArrayVar(&f.channels, "channel", nil, "output channel as role=index or role=name (repeatable, ordered)")
	fl.IntSliceVar(&f.dextran, "dextran-channel", nil, "source channel to drop (dextran); alias of --exclude-channel")
	fl.IntSliceVar(&f.exclude, "exclude-channel", nil, "source channel to drop when converting all channels")
	fl.BoolVar(&f.allowRepeat, "allow-repeat-channel", false, "allow one source channel in several output roles")
}

func (f *convertFlags) bindCalibration(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.Float64SliceVar(&f.voxelSize, "voxel-size", nil, "voxel size override in micrometers: x y z")
	fl.Float64Var(&f.timeInterval, "time-interval", 0, "frame interval override in seconds")
}

func (f *convertFlags) bindRuntime(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.backend, "backend", "", "preferred backend (czi|ims)")
	fl.IntVarP(&f.jobs, "jobs", "j", 1, "positions converted concurrently")
	fl.StringVar(&f.memoryLimit, "memory-limit", "", `bytes of volumes in flight, e.g. "8GB" or "auto"`)
}

func (f *convertFlags) bindReport(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.format, "format", report.FormatText, "info report format (text|json)")
}

// applyConfig lets explicitly set flags override the loaded configuration.
func (f *convertFlags) applyConfig(cmd *cobra.Command, cfg *config.Config) {
	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("jobs") {
		cfg.Processing.ParallelJobs = f.jobs
	}
	if changed("memory-limit") {
		cfg.Processing.MemoryLimit = f.memoryLimit
	}
	if changed("prefix") {
		cfg.Output.Prefix = f.prefix
	}
	if changed("compression") {
		cfg.Output.Compression = strings.ToLower(f.compression)
	}
	if changed("bigtiff") {
		cfg.Output.BigTIFF = strings.ToLower(f.bigtiff)
	}
	if changed("normalize") {
		cfg.Output.Normalize = f.normalize
	}
	if changed("backend") {
		name := strings.ToLower(strings.TrimSpace(f.backend))
		cfg.Backends.Preferred = name
		if cfg.Backends.Enabled == nil {
			cfg.Backends.Enabled = make(map[string]bool)
		}
		cfg.Backends.Enabled[name] = true
	}
}

// request builds the conversion request from flags and configuration. It
// checks flag syntax only; the converter validates against the source.
func (f *convertFlags) request(cmd *cobra.Command, cfg *config.Config) (convert.Request, error) {
	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	switch f.format {
	case report.FormatText, report.FormatJSON:
	default:
		return convert.Request{}, faults.Validation("cli", "--format must be text or json, got %q", f.format)
	}

	req := convert.Request{
		Input:      f.input,
		OutputRoot: f.output,
		Prefix:     cfg.Output.Prefix,
		Positions:  f.positions,
		InfoOnly:   f.infoOnly,
		Extract:    extract.Options{Normalize: cfg.Output.Normalize},
		Output: output.Options{TIFF: output.TIFFOptions{
			Compression: cfg.Output.Compression,
			BigTIFF:     cfg.Output.BigTIFF,
		}},
		ChannelOptions: channels.Options{
			AllowRepeat: f.allowRepeat,
			Exclude:     append(append([]int(nil), f.dextran...), f.exclude...),
		},
	}

	if len(f.names) > 0 {
		req.Names = make(map[int]string, len(f.names))
		for _, raw := range f.names {
			idx, name, ok := strings.Cut(raw, "=")
			p, err := strconv.Atoi(strings.TrimSpace(idx))
			if !ok || err != nil || strings.TrimSpace(name) == "" {
				return convert.Request{}, faults.Validation("cli", "--position-name %q must look like index=name", raw)
			}
			if _, dup := req.Names[p]; dup {
				return convert.Request{}, faults.Validation("cli", "position %d named twice", p)
			}
			req.Names[p] = strings.TrimSpace(name)
		}
	}

	for _, role := range []struct {
		flag, name string
		index      int
	}{
		{"membrane-channel", "membrane", f.membrane},
		{"nuclei-channel", "nuclei", f.nuclei},
	} {
		if !changed(role.flag) {
			continue
		}
		if role.index < 0 {
			return convert.Request{}, faults.Validation("cli", "--%s must not be negative, got %d", role.flag, role.index)
		}
		req.Channels = append(req.Channels, channels.ByIndex(role.name, role.index))
	}
	for _, raw := range f.channels {
		b, err := channels.ParseBinding(raw)
		if err != nil {
			return convert.Request{}, err
		}
		req.Channels = append(req.Channels, b)
	}

	if changed("voxel-size") {
		if len(f.voxelSize) != 3 {
			return convert.Request{}, faults.Validation("cli", "--voxel-size takes three values (x y z), got %d", len(f.voxelSize))
		}
		for i := range f.voxelSize {
			v := f.voxelSize[i]
			req.Overrides.VoxelSize[i] = &v
		}
	}
	if changed("time-interval") {
		v := f.timeInterval
		req.Overrides.TimeInterval = &v
	}
	return req, nil
}

func (r *Root) runConvert(cmd *cobra.Command, f *convertFlags) error {
	ctx := cmd.Context()
	f.applyConfig(cmd, r.cfg)
	req, err := f.request(cmd, r.cfg)
	if err != nil {
		return err
	}

	store := r.ledgerFor(req)
	conv, err := r.newConverter(ctx, store)
	if err != nil {
		return err
	}
	defer conv.Close()

	sum, err := conv.Run(ctx, req)
	if req.InfoOnly {
		if err != nil {
			return err
		}
		return sum.Report.Render(r.stdout, f.format)
	}
	if len(sum.Positions) > 0 {
		if rerr := sum.Render(r.stdout); rerr != nil {
			r.log.Warn("failed to render summary", "error", rerr)
		}
	}
	return err
}

// ledgerFor opens the ledger unless req writes nothing.
func (r *Root) ledgerFor(req convert.Request) *storage.Store {
	if req.InfoOnly {
		return nil
	}
	return r.ledger()
}

func newConvertCmd(root *Root) *cobra.Command {
	var flags convertFlags
	cmd := &cobra.Command{
		Use:   "convert --input <file> --output <dir>",
		Short: "Convert every requested position of an acquisition",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runConvert(cmd, &flags)
		},
	}
	flags.bindAll(cmd)
	return cmd
}

func newInfoCmd(root *Root) *cobra.Command {
	var flags convertFlags
	cmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Describe an acquisition without extracting pixels",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.input = args[0]
			flags.infoOnly = true
			return root.runConvert(cmd, &flags)
		},
	}
	flags.bindCalibration(cmd)
	flags.bindReport(cmd)
	cmd.Flags().StringVar(&flags.backend, "backend", "", "preferred backend (czi|ims)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		flags    convertFlags
		settle   time.Duration
		existing bool
		addr     string
		grpcAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Convert acquisitions as they finish arriving in a directory",
		Long: `Watch a directory and convert every acquisition file whose size stays
unchanged for the settle interval. Each file is written under
<output>/<file stem>/. Only one watcher may own a directory at a time.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			flags.applyConfig(cmd, root.cfg)
			base, err := flags.request(cmd, root.cfg)
			if err != nil {
				return err
			}
			if base.OutputRoot == "" {
				base.OutputRoot = root.cfg.Paths.DefaultOutput
			}
			if !cmd.Flags().Changed("settle") {
				settle = root.cfg.Watch.Settle()
			}
			w, err := watch.New(watch.Options{
				Dir:        args[0],
				Extensions: root.cfg.Watch.Extensions,
				Settle:     settle,
				Existing:   existing,
				Logger:     root.log,
			})
			if err != nil {
				return faults.Wrap(faults.ErrValidation, "watch", "", "", err)
			}
			store := root.ledger()
			conv, err := root.newConverter(ctx, store)
			if err != nil {
				return err
			}
			defer conv.Close()

			handle := func(ctx context.Context, path string) error {
				req := base
				req.Input = path
				req.OutputRoot = filepath.Join(base.OutputRoot, fsutil.StemName(path))
				sum, err := conv.Run(ctx, req)
				if len(sum.Positions) > 0 {
					if rerr := sum.Render(root.stdout); rerr != nil {
						root.log.Warn("failed to render summary", "error", rerr)
					}
				}
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return w.Run(gctx, handle) })
			if addr != "" {
				g.Go(func() error { return root.serveFn(gctx, addr, store, conv, root.log) })
			}
			if grpcAddr != "" {
				hs := server.NewHealthServer(grpcAddr, true, root.log)
				g.Go(func() error { return hs.Start(gctx) })
			}
			return g.Wait()
		},
	}
	flags.bindPositions(cmd)
	flags.bindOutput(cmd)
	flags.bindChannels(cmd)
	flags.bindCalibration(cmd)
	flags.bindRuntime(cmd)
	flags.format = report.FormatText
	cmd.Flags().DurationVar(&settle, "settle", 10*time.Second, "how long a file must stay unchanged before conversion")
	cmd.Flags().BoolVar(&existing, "existing", false, "also convert acquisitions already in the directory")
	cmd.Flags().StringVar(&addr, "addr", "", "serve run status over HTTP on this address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "serve gRPC health checks on this address")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run ledger over HTTP",
		Long: `Serve the run ledger:

  GET /healthz
  GET /runs?limit=N
  GET /runs/{id}
  GET /runs/{id}/positions
  GET /stream   (websocket; results of conversions running in this process)`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("addr") {
				addr = root.cfg.Server.Addr
			}
			if !cmd.Flags().Changed("grpc-addr") {
				grpcAddr = root.cfg.Server.GRPCAddr
			}
			store, err := root.openStore()
			if err != nil {
				return err
			}

			_, resolveErr := root.registry.Resolve(root.cfg.Backends.Order(), root.log)
			root.log.Info("starting server",
				"addr", addr,
				"grpc_addr", grpcAddr,
				"backend_ready", resolveErr == nil,
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return root.serveFn(gctx, addr, store, nil, root.log) })
			if grpcAddr != "" {
				hs := server.NewHealthServer(grpcAddr, resolveErr == nil, root.log)
				g.Go(func() error { return hs.Start(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "server address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health address (host:port)")
	return cmd
}

func newBackendsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List decoders and whether they are usable",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			order := root.cfg.Backends.Order()
			rank := make(map[string]int, len(order))
			for i, name := range order {
				rank[name] = i + 1
			}
			color := report.ShouldColorize(root.stdout)
			var rows [][]string
			for _, st := range root.registry.Statuses() {
				status, detail := "available", ""
				if !st.Available {
					status = "unavailable"
					if st.Error != nil {
						detail = st.Error.Error()
					}
				}
				position := "disabled"
				if n, ok := rank[st.Name]; ok {
					position = strconv.Itoa(n)
				}
				rows = append(rows, []string{st.Name, report.Colorize(status, status, color), position, detail})
			}
			fmt.Fprintln(root.stdout, report.RenderTable(
				[]string{"Backend", "Status", "Order", "Detail"},
				rows,
				[]report.Alignment{report.AlignLeft, report.AlignLeft, report.AlignRight, report.AlignLeft},
			))
			_, err := root.registry.Resolve(order, root.log)
			return err
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  noArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.stdout, "scenesplit %s\n", Version)
			fmt.Fprintf(root.stdout, "Built with Go %s\n", runtime.Version())
		},
	}
}
