// SPDX-License-Identifier: MIT

package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/renameio/v2"

	xlog "github.com/pisonet/pisond/internal/log"
)

// WriteCSV streams every sale in [from, to) to w as CSV. Used by the ops
// HTTP endpoint; ExportCSV wraps it for atomic file exports.
func (r *Reporter) WriteCSV(ctx context.Context, out io.Writer, from, to time.Time) (int, error) {
	sales, err := r.sales.SalesBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("report: query sales: %w", err)
	}

	w := csv.NewWriter(out)
	if err := w.Write([]string{"timestamp", "amount_pesos", "mac", "source"}); err != nil {
		return 0, fmt.Errorf("report: write header: %w", err)
	}
	for _, s := range sales {
		rec := []string{
			s.Timestamp.In(r.loc).Format(time.RFC3339),
			strconv.Itoa(s.Amount),
			s.MAC.String(),
			s.Source,
		}
		if err := w.Write(rec); err != nil {
			return 0, fmt.Errorf("report: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("report: flush csv: %w", err)
	}
	return len(sales), nil
}

// ExportCSV writes every sale in [from, to) to path as CSV, atomically:
// the file is fsynced and renamed into place so a power cut mid-export
// never leaves a truncated report.
func (r *Reporter) ExportCSV(ctx context.Context, path string, from, to time.Time) error {
	logger := xlog.WithComponent("report")

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("report: create pending export: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending export")
		}
	}()

	rows, err := r.WriteCSV(ctx, pending, from, to)
	if err != nil {
		return err
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("report: replace export: %w", err)
	}

	logger.Info().
		Str("event", "report.exported").
		Str("path", path).
		Int("rows", rows).
		Msg("sales export written")
	return nil
}
