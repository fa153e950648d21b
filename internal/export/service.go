package export

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/extractops/fieldtune/internal/optimizer"
)

// Service produces XLSX review workbooks from finished optimization runs,
// one row per field, so reviewers can accept or discard prompts offline.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// BuildReviewXLSX returns an XLSX workbook (as bytes) summarizing a run.
func (s *Service) BuildReviewXLSX(batch *optimizer.OptimizationBatchResult) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	const sheet = "Fields"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		_, err := f.NewSheet(sheet)
		if err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Field Key",
		"Field Name",
		"Status",
		"Initial Accuracy",
		"Final Accuracy",
		"Delta",
		"Iterations",
		"Improved",
		"Sampled Docs",
		"Original Prompt",
		"Final Prompt",
		"Error",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, fr := range batch.PerField {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, fr.FieldKey)
		write(2, fr.FieldName)

		status := string(fr.Status)
		if fr.Unmeasurable {
			status += " (unmeasurable)"
		} else if fr.Unverified {
			status += " (unverified)"
		}
		write(3, status)

		if fr.Unmeasurable || fr.Unverified {
			write(4, "n/a")
			write(5, "n/a")
			write(6, "n/a")
		} else {
			write(4, fmt.Sprintf("%.1f%%", fr.InitialAccuracy*100))
			write(5, fmt.Sprintf("%.1f%%", fr.FinalAccuracy*100))
			write(6, fmt.Sprintf("%+.1f%%", (fr.FinalAccuracy-fr.InitialAccuracy)*100))
		}

		write(7, fr.IterationCount)
		write(8, fr.Improved)
		write(9, strings.Join(fr.SampledDocIDs, ", "))
		write(10, truncate(fr.OriginalPrompt, 500))
		write(11, truncate(fr.FinalPrompt, 500))
		write(12, fr.Err)

		row++
	}

	_ = f.SetColWidth(sheet, "A", "B", 22)
	_ = f.SetColWidth(sheet, "C", "C", 26)
	_ = f.SetColWidth(sheet, "D", "F", 14)
	_ = f.SetColWidth(sheet, "G", "H", 10)
	_ = f.SetColWidth(sheet, "I", "I", 30)
	_ = f.SetColWidth(sheet, "J", "K", 60)
	_ = f.SetColWidth(sheet, "L", "L", 40)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"run_id", batch.RunID,
		"rows", len(batch.PerField),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
