// Package discovery is a read-only projection over the state store, feeding
// list and detail views to HTTP handlers.
package discovery

import (
	"context"
	"strings"

	"adw/internal/state"
)

// ADWSummary is the list-view shape the frontend consumes. The issue class
// is exposed without its internal leading slash.
type ADWSummary struct {
	ADWID       string `json:"adw_id"`
	IssueClass  string `json:"issue_class"`
	IssueNumber *int   `json:"issue_number"`
	IssueTitle  string `json:"issue_title"`
	BranchName  string `json:"branch_name"`
	Completed   bool   `json:"completed"`
}

// Service projects store rows into frontend summaries.
type Service struct {
	store *state.Store
}

// NewService wraps the given store.
func NewService(store *state.Store) *Service {
	return &Service{store: store}
}

// ListActive returns summaries for every visible workflow. This is the only
// place that falls back to issue_json.title when the primary title column is
// empty; stages and the engine never derive titles.
func (s *Service) ListActive(ctx context.Context) ([]ADWSummary, error) {
	rows, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ADWSummary, 0, len(rows))
	for _, row := range rows {
		title := row.IssueTitle
		if title == "" {
			title = row.IssueJSONTitle
		}
		out = append(out, ADWSummary{
			ADWID:       row.ADWID,
			IssueClass:  strings.TrimPrefix(row.IssueClass, "/"),
			IssueNumber: row.IssueNumber,
			IssueTitle:  title,
			BranchName:  row.BranchName,
			Completed:   row.Completed,
		})
	}
	return out, nil
}
