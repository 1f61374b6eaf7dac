package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"scenesplit/internal/faults"
	"scenesplit/internal/report"
)

func newRunsCmd(root *Root) *cobra.Command {
	var (
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded conversion runs, or the positions of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != report.FormatText && format != report.FormatJSON {
				return faults.Validation("runs", "--format must be text or json, got %q", format)
			}
			if limit < 1 {
				return faults.Validation("runs", "--limit must be positive, got %d", limit)
			}
			store, err := root.openStore()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return root.showRun(args[0], format)
			}

			recs, err := store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if format == report.FormatJSON {
				return writeJSON(root, recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(root.stdout, "no runs recorded")
				return nil
			}
			color := report.ShouldColorize(root.stdout)
			rows := make([][]string, 0, len(recs))
			for _, rec := range recs {
				rows = append(rows, []string{
					rec.ID,
					humanize.Time(rec.StartedAt),
					report.Colorize(rec.Status, rec.Status, color),
					strconv.Itoa(rec.Positions),
					rec.Backend,
					rec.InputPath,
				})
			}
			fmt.Fprintln(root.stdout, report.RenderTable(
				[]string{"Run", "Started", "Status", "Positions", "Backend", "Input"},
				rows,
				[]report.Alignment{report.AlignLeft, report.AlignLeft, report.AlignLeft, report.AlignRight},
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().StringVar(&format, "format", report.FormatText, "output format (text|json)")
	return cmd
}

func (r *Root) showRun(id, format string) error {
	run, err := r.store.Run(id)
	if err != nil {
		return faults.Wrap(faults.ErrValidation, "runs", "", "", err)
	}
	positions, err := r.store.Positions(id)
	if err != nil {
		return err
	}
	if format == report.FormatJSON {
		return writeJSON(r, map[string]any{"run": run, "positions": positions})
	}

	fmt.Fprintf(r.stdout, "run %s: %s, %s, started %s\n", run.ID, run.Status, run.InputPath, run.StartedAt.Format(time.RFC3339))
	if run.Error != "" {
		fmt.Fprintf(r.stdout, "error: %s\n", run.Error)
	}
	color := report.ShouldColorize(r.stdout)
	rows := make([][]string, 0, len(positions))
	for _, p := range positions {
		detail := p.TIFFPath
		if p.Error != "" {
			detail = p.ErrorKind + ": " + p.Error
		}
		rows = append(rows, []string{
			strconv.Itoa(p.Index),
			p.Name,
			report.Colorize(p.Status, p.Status, color),
			humanize.IBytes(uint64(p.VolumeBytes)),
			p.Duration.String(),
			detail,
		})
	}
	fmt.Fprintln(r.stdout, report.RenderTable(
		[]string{"Position", "Name", "Status", "Volume", "Duration", "Output"},
		rows,
		[]report.Alignment{report.AlignRight, report.AlignLeft, report.AlignLeft, report.AlignRight, report.AlignRight},
	))
	return nil
}

func writeJSON(r *Root, v any) error {
	enc := json.NewEncoder(r.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
