package convert

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"scenesplit/internal/report"
)

// Render prints one row per position followed by calibration warnings.
func (s Summary) Render(w io.Writer) error {
	color := report.ShouldColorize(w)
	rows := make([][]string, 0, len(s.Positions))
	for _, o := range s.Positions {
		detail := o.Paths.TIFF
		if o.Error != nil {
			detail = o.Error.Error()
		}
		size := ""
		if o.Bytes > 0 {
			size = humanize.IBytes(uint64(o.Bytes))
		}
		rows = append(rows, []string{
			strconv.Itoa(o.Index),
			o.Name,
			report.Colorize(o.Status, o.Status, color),
			size,
			o.Duration.Round(1e6).String(),
			detail,
		})
	}
	table := report.RenderTable(
		[]string{"Position", "Name", "Status", "Volume", "Duration", "Output"},
		rows,
		[]report.Alignment{report.AlignRight, report.AlignLeft, report.AlignLeft, report.AlignRight, report.AlignRight},
	)
	if _, err := fmt.Fprintln(w, table); err != nil {
		return err
	}
	if len(s.Mapping) > 0 {
		roles := make([]string, len(s.Mapping))
		for i, e := range s.Mapping {
			roles[i] = fmt.Sprintf("%s=%d (%s)", e.Role, e.SourceIndex, e.SourceName)
		}
		if _, err := fmt.Fprintf(w, "channels: %s\n", strings.Join(roles, ", ")); err != nil {
			return err
		}
	}
	for _, warn := range s.Warnings {
		if _, err := fmt.Fprintln(w, report.Colorize("warning: "+warn.Error(), "warning", color)); err != nil {
			return err
		}
	}
	return nil
}
