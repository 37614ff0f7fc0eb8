package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

// GetEntity returns the stored entity for an address, or nil when the
// address is unlabeled.
func (s *PostgresStore) GetEntity(ctx context.Context, address string) (*models.Entity, error) {
	sql := `
		SELECT address, entity_kind, name, risk_level, risk_score, metadata
		FROM entities
		WHERE address = $1;
	`
	var e models.Entity
	var metadata []byte
	err := s.pool.QueryRow(ctx, sql, address).Scan(
		&e.Address, &e.EntityKind, &e.Name, &e.RiskLevel, &e.RiskScore, &metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode entity metadata: %v", err)
		}
	}
	return &e, nil
}

// UpsertEntity writes or overwrites an entity label.
func (s *PostgresStore) UpsertEntity(ctx context.Context, entity *models.Entity) error {
	var metadata any
	if len(entity.Metadata) > 0 {
		encoded, err := json.Marshal(entity.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode entity metadata: %v", err)
		}
		metadata = encoded
	}
	sql := `
		INSERT INTO entities (address, entity_kind, name, risk_level, risk_score, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO UPDATE SET
			entity_kind = EXCLUDED.entity_kind,
			name = EXCLUDED.name,
			risk_level = EXCLUDED.risk_level,
			risk_score = EXCLUDED.risk_score,
			metadata = EXCLUDED.metadata,
			updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql,
		entity.Address, entity.EntityKind, entity.Name, entity.RiskLevel, entity.RiskScore, metadata)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %v", err)
	}
	return nil
}

// ListEntities returns labeled addresses, optionally filtered by kind.
func (s *PostgresStore) ListEntities(ctx context.Context, kinds []string) ([]models.Entity, error) {
	sql := `
		SELECT address, entity_kind, name, risk_level, risk_score, metadata
		FROM entities
		WHERE $1::text[] IS NULL OR entity_kind = ANY($1)
		ORDER BY address;
	`
	var filter any
	if len(kinds) > 0 {
		filter = kinds
	}
	rows, err := s.pool.Query(ctx, sql, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := []models.Entity{}
	for rows.Next() {
		var e models.Entity
		var metadata []byte
		if err := rows.Scan(&e.Address, &e.EntityKind, &e.Name, &e.RiskLevel, &e.RiskScore, &metadata); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode entity metadata: %v", err)
			}
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// SaveFlowPath upserts a reconstructed path by its canonical id, so
// re-running the same traversal refreshes rather than duplicates.
func (s *PostgresStore) SaveFlowPath(ctx context.Context, path *models.FlowPath) error {
	hops, err := json.Marshal(path.Hops)
	if err != nil {
		return fmt.Errorf("failed to encode path hops: %v", err)
	}
	sql := `
		INSERT INTO flow_paths
			(path_id, start_address, end_address, token_mint, direction, hops,
			 total_amount, hop_count, confidence_score, intent, intent_confidence,
			 risk_score, risk_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (path_id) DO UPDATE SET
			hops = EXCLUDED.hops,
			total_amount = EXCLUDED.total_amount,
			hop_count = EXCLUDED.hop_count,
			confidence_score = EXCLUDED.confidence_score,
			intent = EXCLUDED.intent,
			intent_confidence = EXCLUDED.intent_confidence,
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			updated_at = NOW();
	`
	_, err = s.pool.Exec(ctx, sql,
		path.PathID, path.StartAddress, path.EndAddress, path.TokenMint, path.Direction,
		hops, path.TotalAmount, path.HopCount, path.ConfidenceScore,
		path.Intent, path.IntentConfidence, path.RiskScore, path.RiskLevel)
	if err != nil {
		return fmt.Errorf("failed to save flow path: %v", err)
	}
	return nil
}

// SaveAssessment persists the verdict and mirrors the score onto the
// entity row. A curated label keeps its kind; unlabeled addresses are
// recorded as plain wallets.
func (s *PostgresStore) SaveAssessment(ctx context.Context, a *models.RiskAssessment) error {
	flags, err := json.Marshal(a.Flags)
	if err != nil {
		return fmt.Errorf("failed to encode risk flags: %v", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	assessmentSQL := `
		INSERT INTO risk_assessments (address, token_mint, risk_score, risk_level, flags, last_assessed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address, token_mint) DO UPDATE SET
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			flags = EXCLUDED.flags,
			last_assessed = EXCLUDED.last_assessed;
	`
	_, err = tx.Exec(ctx, assessmentSQL,
		a.Address, a.TokenMint, a.RiskScore, a.RiskLevel, flags, a.LastAssessed)
	if err != nil {
		return fmt.Errorf("failed to save assessment: %v", err)
	}

	entitySQL := `
		INSERT INTO entities (address, entity_kind, risk_level, risk_score)
		VALUES ($1, 'wallet', $2, $3)
		ON CONFLICT (address) DO UPDATE SET
			risk_level = EXCLUDED.risk_level,
			risk_score = EXCLUDED.risk_score,
			updated_at = NOW();
	`
	_, err = tx.Exec(ctx, entitySQL, a.Address, a.RiskLevel, a.RiskScore)
	if err != nil {
		return fmt.Errorf("failed to mirror assessment onto entity: %v", err)
	}

	flagSQL := `
		INSERT INTO risk_flags (address, flag_type, severity, description, evidence, flagged_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	for _, f := range a.Flags {
		evidence, err := json.Marshal(f.Evidence)
		if err != nil {
			return fmt.Errorf("failed to encode flag evidence: %v", err)
		}
		if _, err := tx.Exec(ctx, flagSQL,
			a.Address, f.Type, f.Severity, f.Description, evidence, a.LastAssessed); err != nil {
			return fmt.Errorf("failed to record risk flag: %v", err)
		}
	}
	return tx.Commit(ctx)
}

// SaveTransactionWithTransfers ingests one traced transaction and its
// classified transfers atomically. Replays are harmless: the
// transaction row refreshes and duplicate transfer rows are skipped.
func (s *PostgresStore) SaveTransactionWithTransfers(ctx context.Context, parsed *models.ParsedTransaction, txType string, transfers []models.Transfer) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertTxSQL := `
		INSERT INTO transactions (signature, slot, block_time, fee, fee_payer, success, tx_type, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (signature) DO UPDATE SET
			tx_type = EXCLUDED.tx_type,
			source = EXCLUDED.source;
	`
	_, err = tx.Exec(ctx, insertTxSQL,
		parsed.Signature, parsed.Slot, parsed.BlockTime, parsed.Fee,
		parsed.FeePayer, parsed.Success, txType, parsed.Source)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %v", err)
	}

	insertTransferSQL := `
		INSERT INTO transfers
			(signature, from_address, to_address, token_mint, amount, decimals,
			 instruction_index, block_time, slot, tx_type, swap_direction, venue)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (signature, instruction_index, from_address, to_address, token_mint) DO NOTHING;
	`
	for _, t := range transfers {
		venue := ""
		if t.SwapInfo != nil {
			venue = t.SwapInfo.Venue
		}
		_, err = tx.Exec(ctx, insertTransferSQL,
			t.Signature, t.FromAddress, t.ToAddress, t.TokenMint, t.Amount, t.Decimals,
			t.InstructionIndex, t.BlockTime, t.Slot, t.TxType, t.SwapDirection, venue)
		if err != nil {
			return fmt.Errorf("failed to insert transfer: %v", err)
		}
	}
	return tx.Commit(ctx)
}
