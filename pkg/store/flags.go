package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yidan233/FeatureFlow/pkg/model"
)

// CreateFlagRequest is the input for CreateFlag.
type CreateFlagRequest struct {
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Type        model.FlagType `json:"type"`
	Variants    []VariantInput `json:"variants,omitempty"`
}

// VariantInput describes a variant supplied at flag creation.
type VariantInput struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Weight int    `json:"weight"`
}

// ConfigPatch carries a partial flag config update. Only non-nil fields
// are applied. A non-nil Rules slice replaces the config's rule set
// wholesale inside the same transaction.
type ConfigPatch struct {
	Enabled           *bool           `json:"enabled,omitempty"`
	DefaultVariant    *string         `json:"default_variant,omitempty"`
	RolloutPercentage *int            `json:"rollout_percentage,omitempty"`
	Config            json.RawMessage `json:"config,omitempty"`
	Rules             []model.Rule    `json:"rules,omitempty"`
	rulesSet          bool
}

// SetRules marks the rule set for wholesale replacement, including
// replacement with an empty set.
func (p *ConfigPatch) SetRules(rules []model.Rule) {
	p.Rules = rules
	p.rulesSet = true
}

// RulesSet reports whether the patch replaces the rule set.
func (p *ConfigPatch) RulesSet() bool { return p.rulesSet || p.Rules != nil }

// IsZero reports whether the patch modifies nothing.
func (p *ConfigPatch) IsZero() bool {
	return p.Enabled == nil && p.DefaultVariant == nil && p.RolloutPercentage == nil &&
		p.Config == nil && !p.RulesSet()
}

// assignments renders the SET clauses for the patch. Placeholders start
// at offset+1 and args line up with them.
func (p *ConfigPatch) assignments(offset int) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, offset+len(args)))
	}
	if p.Enabled != nil {
		add("enabled", *p.Enabled)
	}
	if p.DefaultVariant != nil {
		add("default_variant", *p.DefaultVariant)
	}
	if p.RolloutPercentage != nil {
		add("rollout_percentage", *p.RolloutPercentage)
	}
	if p.Config != nil {
		add("config", p.Config)
	}
	return sets, args
}

var defaultBooleanVariants = []VariantInput{
	{Key: "true", Value: "true", Weight: 50},
	{Key: "false", Value: "false", Weight: 50},
}

// CreateFlag inserts a flag, its variants (supplied, or the default
// boolean pair) and one disabled config per known environment, all in a
// single transaction. A partial create is not possible: any failure rolls
// the whole thing back. Key collisions return ErrConflict.
func (s *Store) CreateFlag(ctx context.Context, req *CreateFlagRequest, actor string) (*model.Flag, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	flag := &model.Flag{
		ID:          uuid.New(),
		Key:         req.Key,
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Active:      true,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO feature_flags (id, key, name, description, flag_type, active)
		 VALUES ($1,$2,$3,$4,$5,true)
		 RETURNING created_at, updated_at`,
		flag.ID, flag.Key, flag.Name, flag.Description, flag.Type,
	).Scan(&flag.CreatedAt, &flag.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		s.logger.Error().Err(err).Str("flag_key", req.Key).Msg("Failed to insert flag")
		return nil, err
	}

	variants := req.Variants
	if len(variants) == 0 {
		variants = defaultBooleanVariants
	}
	for _, v := range variants {
		_, err = tx.Exec(ctx,
			`INSERT INTO flag_variants (id, flag_id, key, value, weight) VALUES ($1,$2,$3,$4,$5)`,
			uuid.New(), flag.ID, v.Key, v.Value, v.Weight)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: duplicate variant key %q", ErrInvalidInput, v.Key)
			}
			return nil, err
		}
	}

	envRows, err := tx.Query(ctx, `SELECT id FROM environments`)
	if err != nil {
		return nil, err
	}
	var envIDs []uuid.UUID
	for envRows.Next() {
		var id uuid.UUID
		if err := envRows.Scan(&id); err != nil {
			envRows.Close()
			return nil, err
		}
		envIDs = append(envIDs, id)
	}
	envRows.Close()
	if err := envRows.Err(); err != nil {
		return nil, err
	}

	for _, envID := range envIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO flag_configs (id, flag_id, environment_id, enabled, default_variant, rollout_percentage, config)
			 VALUES ($1,$2,$3,false,'false',0,'{}'::jsonb)`,
			uuid.New(), flag.ID, envID)
		if err != nil {
			return nil, err
		}
	}

	diff := map[string]any{"key": flag.Key, "name": flag.Name, "type": flag.Type, "variants": len(variants)}
	if err := s.audit(ctx, tx, "flag", flag.ID, "create", actor, diff); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit flag create: %w", err)
	}
	s.logger.Info().Str("flag_key", flag.Key).Str("actor", actor).Msg("Flag created")
	return flag, nil
}

// GetFlag returns an active flag by key.
func (s *Store) GetFlag(ctx context.Context, key string) (*model.Flag, error) {
	f := &model.Flag{}
	err := s.db.QueryRow(ctx,
		`SELECT id, key, name, description, flag_type, active, created_at, updated_at
		 FROM feature_flags WHERE key=$1 AND active`, key,
	).Scan(&f.ID, &f.Key, &f.Name, &f.Description, &f.Type, &f.Active, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Error().Err(err).Str("flag_key", key).Msg("Failed to get flag")
		return nil, err
	}
	return f, nil
}

// ListFlags returns a page of flags and the total count. Page size is
// caller-bounded to 100.
func (s *Store) ListFlags(ctx context.Context, page, perPage int, activeOnly bool) ([]model.Flag, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}
	offset := (page - 1) * perPage

	where := ""
	if activeOnly {
		where = " WHERE active"
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, key, name, description, flag_type, active, created_at, updated_at
		 FROM feature_flags`+where+` ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		perPage, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list flags")
		return nil, 0, err
	}
	defer rows.Close()

	var flags []model.Flag
	for rows.Next() {
		var f model.Flag
		if err := rows.Scan(&f.ID, &f.Key, &f.Name, &f.Description, &f.Type, &f.Active, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, 0, err
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM feature_flags`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	return flags, total, nil
}

// GetFlagConfig returns the pre-joined snapshot for one (flag, env).
// Inactive flags are invisible here. Variants and rules are aggregated
// inside the same statement, so the snapshot is read at a single MVCC
// point and a concurrent config update is seen entirely or not at all.
func (s *Store) GetFlagConfig(ctx context.Context, flagKey, env string) (*model.FlagSnapshot, error) {
	snap := &model.FlagSnapshot{}
	var variantsJSON, rulesJSON []byte
	err := s.db.QueryRow(ctx,
		`SELECT f.id, f.key, f.name, f.description, f.flag_type, f.active, f.created_at, f.updated_at,
		        c.id, c.flag_id, e.key, c.enabled, c.default_variant, c.rollout_percentage, c.config, c.updated_at,
		        COALESCE((SELECT json_agg(json_build_object(
		                      'id', v.id, 'flag_id', v.flag_id, 'key', v.key,
		                      'value', v.value, 'weight', v.weight) ORDER BY v.key)
		                  FROM flag_variants v WHERE v.flag_id = f.id), '[]'::json),
		        COALESCE((SELECT json_agg(json_build_object(
		                      'id', r.id, 'config_id', r.config_id, 'rule_type', r.rule_type,
		                      'attribute_name', r.attribute_name, 'operator', r.operator,
		                      'attribute_value', r.attribute_value, 'percentage', r.percentage,
		                      'variant_key', r.variant_key, 'priority', r.priority)
		                  ORDER BY r.priority, r.id)
		                  FROM rollout_rules r WHERE r.config_id = c.id), '[]'::json)
		 FROM feature_flags f
		 JOIN flag_configs c ON c.flag_id = f.id
		 JOIN environments e ON e.id = c.environment_id
		 WHERE f.key=$1 AND e.key=$2 AND f.active`,
		flagKey, env,
	).Scan(
		&snap.Flag.ID, &snap.Flag.Key, &snap.Flag.Name, &snap.Flag.Description, &snap.Flag.Type,
		&snap.Flag.Active, &snap.Flag.CreatedAt, &snap.Flag.UpdatedAt,
		&snap.Config.ID, &snap.Config.FlagID, &snap.Config.Environment, &snap.Config.Enabled,
		&snap.Config.DefaultVariant, &snap.Config.RolloutPercentage, &snap.Config.Config, &snap.Config.UpdatedAt,
		&variantsJSON, &rulesJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Error().Err(err).Str("flag_key", flagKey).Str("environment", env).Msg("Failed to get flag config")
		return nil, err
	}

	snap.Variants, snap.Rules, err = decodeSnapshotLists(variantsJSON, rulesJSON)
	if err != nil {
		s.logger.Error().Err(err).Str("flag_key", flagKey).Str("environment", env).Msg("Failed to decode snapshot")
		return nil, err
	}
	return snap, nil
}

// decodeSnapshotLists decodes the aggregated variant and rule arrays.
// Snapshots always carry both slices, so SQL nulls and empty aggregates
// come back as empty, non-nil slices.
func decodeSnapshotLists(variantsJSON, rulesJSON []byte) ([]model.Variant, []model.Rule, error) {
	variants := []model.Variant{}
	if len(variantsJSON) > 0 {
		if err := json.Unmarshal(variantsJSON, &variants); err != nil {
			return nil, nil, fmt.Errorf("failed to decode variants: %w", err)
		}
	}
	rules := []model.Rule{}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &rules); err != nil {
			return nil, nil, fmt.Errorf("failed to decode rules: %w", err)
		}
	}
	if variants == nil {
		variants = []model.Variant{}
	}
	if rules == nil {
		rules = []model.Rule{}
	}
	return variants, rules, nil
}

// UpdateFlag updates flag metadata (name, description).
func (s *Store) UpdateFlag(ctx context.Context, key, name, description, actor string) (*model.Flag, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	f := &model.Flag{}
	err = tx.QueryRow(ctx,
		`UPDATE feature_flags SET name=$2, description=$3, updated_at=NOW()
		 WHERE key=$1 AND active
		 RETURNING id, key, name, description, flag_type, active, created_at, updated_at`,
		key, name, description,
	).Scan(&f.ID, &f.Key, &f.Name, &f.Description, &f.Type, &f.Active, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	diff := map[string]any{"name": name, "description": description}
	if err := s.audit(ctx, tx, "flag", f.ID, "update", actor, diff); err != nil {
		return nil, err
	}
	return f, tx.Commit(ctx)
}

// UpdateFlagConfig applies a partial update to one (flag, env) config.
// When the patch carries rules, the existing rule set is deleted and
// replaced under the same transaction, so readers never observe a mix of
// old and new rules.
func (s *Store) UpdateFlagConfig(ctx context.Context, flagKey, env string, patch *ConfigPatch, actor string) (*model.FlagConfig, error) {
	if patch == nil || patch.IsZero() {
		return nil, fmt.Errorf("%w: empty patch", ErrInvalidInput)
	}
	if patch.RolloutPercentage != nil && (*patch.RolloutPercentage < 0 || *patch.RolloutPercentage > 100) {
		return nil, fmt.Errorf("%w: rollout percentage out of range", ErrInvalidInput)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var configID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT c.id FROM flag_configs c
		 JOIN feature_flags f ON f.id = c.flag_id
		 JOIN environments e ON e.id = c.environment_id
		 WHERE f.key=$1 AND e.key=$2 AND f.active
		 FOR UPDATE OF c`,
		flagKey, env,
	).Scan(&configID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	sets, args := patch.assignments(1)
	if len(sets) > 0 {
		query := fmt.Sprintf(`UPDATE flag_configs SET %s, updated_at=NOW() WHERE id=$1`, joinSets(sets))
		if _, err := tx.Exec(ctx, query, append([]any{configID}, args...)...); err != nil {
			return nil, err
		}
	} else {
		if _, err := tx.Exec(ctx, `UPDATE flag_configs SET updated_at=NOW() WHERE id=$1`, configID); err != nil {
			return nil, err
		}
	}

	if patch.RulesSet() {
		if _, err := tx.Exec(ctx, `DELETE FROM rollout_rules WHERE config_id=$1`, configID); err != nil {
			return nil, err
		}
		for i := range patch.Rules {
			r := &patch.Rules[i]
			if r.ID == uuid.Nil {
				r.ID = uuid.New()
			}
			r.ConfigID = configID
			_, err := tx.Exec(ctx,
				`INSERT INTO rollout_rules (id, config_id, rule_type, attribute_name, operator, attribute_value, percentage, variant_key, priority)
				 VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),NULLIF($6,''),$7,NULLIF($8,''),$9)`,
				r.ID, configID, r.Type, r.AttributeName, string(r.Operator), r.AttributeValue, r.Percentage, r.VariantKey, r.Priority)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := s.audit(ctx, tx, "flag_config", configID, "update_config", actor, patch); err != nil {
		return nil, err
	}

	cfg := &model.FlagConfig{}
	err = tx.QueryRow(ctx,
		`SELECT c.id, c.flag_id, e.key, c.enabled, c.default_variant, c.rollout_percentage, c.config, c.updated_at
		 FROM flag_configs c JOIN environments e ON e.id = c.environment_id WHERE c.id=$1`,
		configID,
	).Scan(&cfg.ID, &cfg.FlagID, &cfg.Environment, &cfg.Enabled, &cfg.DefaultVariant,
		&cfg.RolloutPercentage, &cfg.Config, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit config update: %w", err)
	}
	s.logger.Info().Str("flag_key", flagKey).Str("environment", env).Str("actor", actor).Msg("Flag config updated")
	return cfg, nil
}

// ToggleFlag flips the enabled bit for one (flag, env).
func (s *Store) ToggleFlag(ctx context.Context, flagKey, env string, enabled bool, actor string) (*model.FlagConfig, error) {
	patch := &ConfigPatch{Enabled: &enabled}
	return s.UpdateFlagConfig(ctx, flagKey, env, patch, actor)
}

// DeleteFlag soft-deletes a flag. The row is retained for audit; the
// flag becomes invisible to evaluation.
func (s *Store) DeleteFlag(ctx context.Context, key, actor string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE feature_flags SET active=false, updated_at=NOW() WHERE key=$1 AND active RETURNING id`,
		key,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if err := s.audit(ctx, tx, "flag", id, "delete", actor, map[string]any{"active": false}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Info().Str("flag_key", key).Str("actor", actor).Msg("Flag soft-deleted")
	return nil
}

// KillFlag disables a flag in every environment in one transaction and
// returns the environments touched so the caller can invalidate each.
func (s *Store) KillFlag(ctx context.Context, key, actor, reason string) ([]string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var flagID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM feature_flags WHERE key=$1 AND active FOR UPDATE`, key).Scan(&flagID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`UPDATE flag_configs c SET enabled=false, updated_at=NOW()
		 FROM environments e
		 WHERE c.flag_id=$1 AND e.id = c.environment_id
		 RETURNING e.key`,
		flagID)
	if err != nil {
		return nil, err
	}
	var envs []string
	for rows.Next() {
		var env string
		if err := rows.Scan(&env); err != nil {
			rows.Close()
			return nil, err
		}
		envs = append(envs, env)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	diff := map[string]any{"reason": reason, "severity": "critical", "environments": envs}
	if err := s.audit(ctx, tx, "flag", flagID, "kill_switch", actor, diff); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit kill switch: %w", err)
	}
	s.logger.Warn().Str("flag_key", key).Str("actor", actor).Str("reason", reason).Msg("Kill switch activated")
	return envs, nil
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
