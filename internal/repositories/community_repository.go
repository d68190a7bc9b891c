package repositories

import (
	"context"

	"ledger-service/internal/database"
	"ledger-service/internal/models"
)

type CommunityRepository interface {
	ListActive(ctx context.Context, q database.Querier) ([]*models.Community, error)
}

type communityRepository struct{}

func NewCommunityRepository() CommunityRepository {
	return &communityRepository{}
}

func (r *communityRepository) ListActive(ctx context.Context, q database.Querier) ([]*models.Community, error) {
	query := `
		SELECT id, name, currency, active
		FROM communities
		WHERE active = TRUE
		ORDER BY id
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, dbError(err, "failed to list communities")
	}
	defer rows.Close()

	var communities []*models.Community
	for rows.Next() {
		c := &models.Community{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Currency, &c.Active); err != nil {
			return nil, dbError(err, "failed to scan community")
		}
		communities = append(communities, c)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError(err, "failed to iterate communities")
	}
	return communities, nil
}
