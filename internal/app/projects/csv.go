package projects

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/okian/bawo/internal/domain/fault"
	"github.com/okian/bawo/internal/domain/model"
)

// ErrBadCSV is returned for unreadable item uploads.
var ErrBadCSV = fault.New(fault.ErrValidation, "malformed csv")

var resultHeader = []string{"task_id", "position", "content", "golden", "status", "label", "confidence", "responses"}

// ReadItems parses an item upload. The first column is the item text; a
// non-empty second column makes the row a golden item with that answer. A
// first row starting with "content" is treated as a header.
func ReadItems(r io.Reader) ([]string, []GoldenItem, error) {
	rdr := csv.NewReader(r)
	rdr.FieldsPerRecord = -1
	rdr.TrimLeadingSpace = true

	var (
		items  []string
		golden []GoldenItem
		first  = true
	)
	for {
		rec, err := rdr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrBadCSV, err)
		}
		if first {
			first = false
			if len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "content") {
				continue
			}
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		content := strings.TrimSpace(rec[0])
		if len(rec) > 1 && strings.TrimSpace(rec[1]) != "" {
			golden = append(golden, GoldenItem{Content: content, Answer: strings.TrimSpace(rec[1])})
			continue
		}
		items = append(items, content)
	}
	return items, golden, nil
}

// Results writes a project's tasks as CSV in position order.
func (s *Service) Results(ctx context.Context, projectID string, w io.Writer) error {
	if _, err := s.Get(ctx, projectID); err != nil {
		return err
	}
	db := s.db.WithContext(ctx)

	type count struct {
		TaskID string
		N      int
	}
	var counts []count
	if err := db.Model(&model.Response{}).
		Select("task_responses.task_id, COUNT(*) AS n").
		Joins("JOIN tasks ON tasks.id = task_responses.task_id").
		Where("tasks.project_id = ?", projectID).
		Group("task_responses.task_id").Scan(&counts).Error; err != nil {
		return fmt.Errorf("count responses: %w", err)
	}
	answers := make(map[string]int, len(counts))
	for _, c := range counts {
		answers[c.TaskID] = c.N
	}

	var rows []model.Task
	if err := db.Where("project_id = ?", projectID).Order("position, id").Find(&rows).Error; err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(resultHeader); err != nil {
		return err
	}
	for _, t := range rows {
		rec := []string{
			t.ID,
			strconv.Itoa(t.Position),
			t.Content,
			strconv.FormatBool(t.IsGolden),
			string(t.Status),
			t.ConsensusLabel,
			strconv.FormatFloat(t.ConsensusConfidence, 'f', 2, 64),
			strconv.Itoa(answers[t.ID]),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
