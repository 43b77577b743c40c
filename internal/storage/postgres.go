package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/models"
)

//go:embed schema.sql
var schema string

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the tables this service reads and writes if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Members ---

// SearchMembers returns enrolled members whose closest reference embedding
// has cosine similarity of at least threshold, best first.
func (s *PostgresStore) SearchMembers(ctx context.Context, embedding []float32, threshold float32, limit int) ([]models.MemberMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(embedding)

	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.name, MAX(1 - (me.embedding <=> $1))::real AS score
		FROM member_embeddings me
		JOIN members m ON m.id = me.member_id
		WHERE 1 - (me.embedding <=> $1) >= $2
		GROUP BY m.id, m.name
		ORDER BY score DESC
		LIMIT $3`,
		vec, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search members: %w", err)
	}
	defer rows.Close()

	var matches []models.MemberMatch
	for rows.Next() {
		var m models.MemberMatch
		if err := rows.Scan(&m.MemberID, &m.Name, &m.Score); err != nil {
			return nil, fmt.Errorf("scan member match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// --- Decisions ---

func (s *PostgresStore) CreateDecision(ctx context.Context, d models.Decision) error {
	factors, err := json.Marshal(d.Liveness.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO decisions (id, stream_id, frame_id, track_id, timestamp, live, score, threshold, confidence, explanation, factors, member_id, match_score, snapshot_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, d.StreamID, d.FrameID, d.TrackID, d.Timestamp,
		d.Liveness.Accept, d.Liveness.Score, d.Liveness.AdjustedThreshold, d.Liveness.Confidence,
		d.Liveness.Explanation, factors, d.MemberID, d.MatchScore, d.SnapshotKey)
	if err != nil {
		return fmt.Errorf("create decision: %w", err)
	}
	return nil
}

// DecisionFilter narrows QueryDecisions. Nil fields do not filter.
type DecisionFilter struct {
	StreamID string
	From, To *time.Time
	Live     *bool
	Limit    int
	Offset   int
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// decisionWhere builds the WHERE clause and its positional arguments.
func decisionWhere(f DecisionFilter) (string, []any) {
	where := "WHERE stream_id = $1"
	args := []any{f.StreamID}

	if f.From != nil {
		args = append(args, *f.From)
		where += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	if f.Live != nil {
		args = append(args, *f.Live)
		where += fmt.Sprintf(" AND live = $%d", len(args))
	}
	return where, args
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}

// QueryDecisions returns one page of a stream's decisions, newest first,
// along with the total number matching the filter.
func (s *PostgresStore) QueryDecisions(ctx context.Context, f DecisionFilter) ([]models.DecisionRecord, int, error) {
	where, args := decisionWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM decisions "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count decisions: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, stream_id, track_id, timestamp, live, score, threshold, confidence, explanation, member_id, match_score, snapshot_key, created_at
		 FROM decisions %s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, pageSize(f.Limit), max(f.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []models.DecisionRecord
	for rows.Next() {
		var r models.DecisionRecord
		if err := rows.Scan(&r.ID, &r.StreamID, &r.TrackID, &r.Timestamp, &r.Live, &r.Score,
			&r.Threshold, &r.Confidence, &r.Explanation, &r.MemberID, &r.MatchScore,
			&r.SnapshotKey, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// GetDecision returns a single decision, or nil if it does not exist.
func (s *PostgresStore) GetDecision(ctx context.Context, id uuid.UUID) (*models.DecisionRecord, error) {
	var r models.DecisionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, stream_id, track_id, timestamp, live, score, threshold, confidence, explanation, member_id, match_score, snapshot_key, created_at
		 FROM decisions WHERE id = $1`, id).
		Scan(&r.ID, &r.StreamID, &r.TrackID, &r.Timestamp, &r.Live, &r.Score,
			&r.Threshold, &r.Confidence, &r.Explanation, &r.MemberID, &r.MatchScore,
			&r.SnapshotKey, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return &r, nil
}
