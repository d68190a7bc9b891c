package repositories

import (
	"context"
	"encoding/json"

	"ledger-service/internal/database"
	"ledger-service/internal/models"
)

type AuditRepository interface {
	CreateAuditEntry(ctx context.Context, q database.Querier, entry *models.AuditEntry) error
	// Record marshals details and appends an entry.
	Record(ctx context.Context, q database.Querier, communityID int64, entity string, entityID int64, action string, details any) error
}

type auditRepository struct{}

func NewAuditRepository() AuditRepository {
	return &auditRepository{}
}

func (r *auditRepository) CreateAuditEntry(ctx context.Context, q database.Querier, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_log (
			community_id, entity, entity_id, action, details
		) VALUES (?, ?, ?, ?, ?)
	`
	var details any
	if len(entry.Details) > 0 {
		details = []byte(entry.Details)
	}
	result, err := q.ExecContext(ctx, query,
		entry.CommunityID,
		entry.Entity,
		entry.EntityID,
		entry.Action,
		details,
	)
	if err != nil {
		return dbError(err, "failed to insert audit entry")
	}
	return dbError(lastInsertID(result, &entry.ID), "failed to read audit entry id")
}

func (r *auditRepository) Record(ctx context.Context, q database.Querier, communityID int64, entity string, entityID int64, action string, details any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return dbError(err, "failed to marshal audit details")
	}
	return r.CreateAuditEntry(ctx, q, &models.AuditEntry{
		CommunityID: communityID,
		Entity:      entity,
		EntityID:    entityID,
		Action:      action,
		Details:     raw,
	})
}
