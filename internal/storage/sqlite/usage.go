package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 21
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.KeyID, r.AccountID, r.Method, r.Path, r.StatusCode,
			r.InputTokens, r.OutputTokens, r.CacheCreationTokens, r.CacheReadTokens,
			r.TotalTokens, r.CostUSD, r.LatencyMs, r.FirstTokenLatencyMs,
			r.TokensPerSecond, r.RetryCount, r.Strategy, r.Confidence,
			r.Reasoning, r.RequestID, r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, key_id, account_id, method, path, status_code,
		 input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		 total_tokens, cost_usd, latency_ms, first_token_latency_ms,
		 tokens_per_second, retry_count, strategy, confidence, reasoning, request_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumUsageCost returns the total accumulated cost for a gateway key.
func (s *Store) SumUsageCost(ctx context.Context, keyID string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE key_id = ?`, keyID,
	).Scan(&total)
	return total, err
}

// CountUsageSince returns per-key request counts recorded at or after since.
// Used to re-seed daily rate-limit windows after a restart.
func (s *Store) CountUsageSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT key_id, COUNT(*) FROM usage_records
		 WHERE created_at >= ? AND key_id != ''
		 GROUP BY key_id`, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var keyID string
		var count int64
		if err := rows.Scan(&keyID, &count); err != nil {
			return nil, err
		}
		out[keyID] = count
	}
	return out, rows.Err()
}

// PruneUsageBefore deletes ledger rows older than cutoff.
func (s *Store) PruneUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM usage_records WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageRecord, error) {
	var conds []string
	var args []any
	if f.KeyID != "" {
		conds = append(conds, "key_id = ?")
		args = append(args, f.KeyID)
	}
	if f.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx,
		`SELECT id, key_id, account_id, method, path, status_code,
		 input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		 total_tokens, cost_usd, latency_ms, first_token_latency_ms,
		 tokens_per_second, retry_count, strategy, confidence, reasoning, request_id, created_at
		 FROM usage_records`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var createdAt string
		err := rows.Scan(
			&r.ID, &r.KeyID, &r.AccountID, &r.Method, &r.Path, &r.StatusCode,
			&r.InputTokens, &r.OutputTokens, &r.CacheCreationTokens, &r.CacheReadTokens,
			&r.TotalTokens, &r.CostUSD, &r.LatencyMs, &r.FirstTokenLatencyMs,
			&r.TokensPerSecond, &r.RetryCount, &r.Strategy, &r.Confidence,
			&r.Reasoning, &r.RequestID, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
