package store

import (
	"context"

	"github.com/flowctl/flowctl/internal/domain"
)

// GetProject returns the single project row every store holds.
func (s *Store) GetProject(ctx context.Context) (*domain.Project, error) {
	row := s.db.Op.QueryRowContext(ctx,
		`SELECT name, description, active, created_at, modified_at FROM project LIMIT 1`)
	return scanProject(row)
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	var createdAt, modifiedAt string
	var active int
	if err := row.Scan(&p.Name, &p.Description, &active, &createdAt, &modifiedAt); err != nil {
		return nil, mapStoreErr(err)
	}
	p.Active = active != 0
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
