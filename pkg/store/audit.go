package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// audit writes an audit entry inside the mutation's transaction so the
// entry commits or rolls back with the change itself. Audit is
// write-only: no read path exists outside the database.
func (s *Store) audit(ctx context.Context, tx pgx.Tx, entityType string, entityID uuid.UUID, action, actor string, diff any) error {
	payload, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("failed to marshal audit diff: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO audit_log (id, entity_type, entity_id, action, actor, diff)
		 VALUES ($1,$2,$3,$4,$5,$6::jsonb)`,
		uuid.New(), entityType, entityID, action, actor, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("entity_type", entityType).Str("action", action).Msg("Failed to write audit entry")
		return err
	}
	return nil
}
