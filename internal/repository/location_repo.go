package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
	"github.com/drsammd/safeplay-staging-sub008/internal/tracking"
)

//go:embed schema.sql
var schemaSQL string

// LocationRepository 位置状态持久化（PostgreSQL）
type LocationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewLocationRepository 创建位置仓库
func NewLocationRepository(db *sql.DB, logger *zap.Logger) *LocationRepository {
	return &LocationRepository{db: db, logger: logger}
}

// EnsureSchema 创建表结构（幂等）
func (r *LocationRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const upsertStateSQL = `
	INSERT INTO child_location_states (
		child_id, venue_id, zone, position_x, position_y,
		confidence, source_kind, observation_id, last_updated, checked_out_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	ON CONFLICT (child_id) DO UPDATE SET
		venue_id       = EXCLUDED.venue_id,
		zone           = EXCLUDED.zone,
		position_x     = EXCLUDED.position_x,
		position_y     = EXCLUDED.position_y,
		confidence     = EXCLUDED.confidence,
		source_kind    = EXCLUDED.source_kind,
		observation_id = EXCLUDED.observation_id,
		last_updated   = EXCLUDED.last_updated,
		checked_out_at = EXCLUDED.checked_out_at,
		updated_at     = NOW()
	WHERE child_location_states.last_updated <= EXCLUDED.last_updated
`

const insertObservationSQL = `
	INSERT INTO location_observations (
		observation_id, child_id, venue_id, zone, position_x, position_y,
		confidence, source_kind, camera_id, observed_at, outcome
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (observation_id) DO NOTHING
`

// SaveBatch 在一个事务中写入一批状态变化
// 状态按 last_updated 单调覆盖（乱序写入不会回退）；观测按 observation_id 去重
func (r *LocationRepository) SaveBatch(ctx context.Context, changes []tracking.Change) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range changes {
		st := c.State
		posX, posY := nullPosition(st.Position)
		if _, err := tx.ExecContext(ctx, upsertStateSQL,
			st.ChildID,
			nullString(st.VenueID),
			st.Zone,
			posX,
			posY,
			st.Confidence,
			string(st.SourceKind),
			emptyToNull(st.ObservationID),
			st.LastUpdated,
			nullTime(st.CheckedOutAt),
		); err != nil {
			return fmt.Errorf("failed to upsert state for child %s: %w", st.ChildID, err)
		}

		if c.Observation == nil {
			continue
		}
		obs := c.Observation
		oX, oY := nullPosition(obs.Position)
		if _, err := tx.ExecContext(ctx, insertObservationSQL,
			obs.ObservationID,
			obs.ChildID,
			obs.VenueID,
			obs.Zone,
			oX,
			oY,
			obs.Confidence,
			string(obs.SourceKind),
			emptyToNull(obs.CameraID),
			obs.Timestamp,
			string(c.Outcome),
		); err != nil {
			return fmt.Errorf("failed to insert observation %s: %w", obs.ObservationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadStates 读取所有持久化的儿童状态（启动时预热状态存储）
func (r *LocationRepository) LoadStates(ctx context.Context) ([]models.ChildLocationState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT child_id, venue_id, zone, position_x, position_y,
		       confidence, source_kind, observation_id, last_updated, checked_out_at
		FROM child_location_states
		ORDER BY child_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var out []models.ChildLocationState
	for rows.Next() {
		var (
			st            models.ChildLocationState
			venueID       sql.NullString
			posX, posY    sql.NullFloat64
			sourceKind    string
			observationID sql.NullString
			checkedOutAt  sql.NullTime
		)
		if err := rows.Scan(
			&st.ChildID,
			&venueID,
			&st.Zone,
			&posX,
			&posY,
			&st.Confidence,
			&sourceKind,
			&observationID,
			&st.LastUpdated,
			&checkedOutAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}

		st.SourceKind = models.SourceKind(sourceKind)
		if venueID.Valid && venueID.String != "" {
			v := venueID.String
			st.VenueID = &v
		}
		if posX.Valid && posY.Valid {
			st.Position = &models.Position{X: posX.Float64, Y: posY.Float64}
		}
		if observationID.Valid {
			st.ObservationID = observationID.String
		}
		if checkedOutAt.Valid {
			t := checkedOutAt.Time
			st.CheckedOutAt = &t
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate states: %w", err)
	}

	r.logger.Info("Loaded persisted child states", zap.Int("count", len(out)))
	return out, nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func emptyToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullPosition(p *models.Position) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.X, Valid: true}, sql.NullFloat64{Float64: p.Y, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
