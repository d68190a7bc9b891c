package repositories

import (
	"context"
	"database/sql"

	"ledger-service/internal/database"
	"ledger-service/internal/models"
)

type UnitRepository interface {
	ListActive(ctx context.Context, q database.Querier, communityID int64) ([]*models.Unit, error)
	GetByID(ctx context.Context, q database.Querier, communityID, unitID int64) (*models.Unit, error)
	ListSurcharges(ctx context.Context, q database.Querier, communityID int64, period string) ([]*models.UnitSurcharge, error)
}

type unitRepository struct{}

func NewUnitRepository() UnitRepository {
	return &unitRepository{}
}

func (r *unitRepository) ListActive(ctx context.Context, q database.Querier, communityID int64) ([]*models.Unit, error) {
	query := `
		SELECT id, community_id, building_id, code, coefficient, active
		FROM units
		WHERE community_id = ?
		AND active = TRUE
		ORDER BY id
	`
	rows, err := q.QueryContext(ctx, query, communityID)
	if err != nil {
		return nil, dbError(err, "failed to list units")
	}
	defer rows.Close()

	var units []*models.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, dbError(err, "failed to scan unit")
		}
		units = append(units, u)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError(err, "failed to iterate units")
	}
	return units, nil
}

func (r *unitRepository) GetByID(ctx context.Context, q database.Querier, communityID, unitID int64) (*models.Unit, error) {
	query := `
		SELECT id, community_id, building_id, code, coefficient, active
		FROM units
		WHERE id = ? AND community_id = ?
	`
	u, err := scanUnit(q.QueryRowContext(ctx, query, unitID, communityID))
	if err == sql.ErrNoRows {
		return nil, notFound("unit", unitID)
	}
	if err != nil {
		return nil, dbError(err, "failed to get unit")
	}
	return u, nil
}

func (r *unitRepository) ListSurcharges(ctx context.Context, q database.Querier, communityID int64, period string) ([]*models.UnitSurcharge, error) {
	query := `
		SELECT s.id, s.community_id, s.unit_id, s.period, s.amount, s.description
		FROM unit_surcharges s
		JOIN units u ON u.id = s.unit_id
		WHERE s.community_id = ?
		AND s.period = ?
		AND u.active = TRUE
		ORDER BY s.unit_id, s.id
	`
	rows, err := q.QueryContext(ctx, query, communityID, period)
	if err != nil {
		return nil, dbError(err, "failed to list surcharges")
	}
	defer rows.Close()

	var surcharges []*models.UnitSurcharge
	for rows.Next() {
		s := &models.UnitSurcharge{}
		err := rows.Scan(
			&s.ID,
			&s.CommunityID,
			&s.UnitID,
			&s.Period,
			&s.Amount,
			&s.Description,
		)
		if err != nil {
			return nil, dbError(err, "failed to scan surcharge")
		}
		surcharges = append(surcharges, s)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError(err, "failed to iterate surcharges")
	}
	return surcharges, nil
}

func scanUnit(s rowScanner) (*models.Unit, error) {
	u := &models.Unit{}
	err := s.Scan(
		&u.ID,
		&u.CommunityID,
		&u.BuildingID,
		&u.Code,
		&u.Coefficient,
		&u.Active,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}
