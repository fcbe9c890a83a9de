// Package store is the relational source of truth for raster state and
// chunk completion accounting. The uniqueness constraints carry the
// pipeline's idempotency: terminal markers and the per-raster result row are
// inserted with conflict-is-noop semantics, so redelivered events collapse
// into one durable fact.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/terminal-bench/rasterflow/pkg/geo"
	"github.com/terminal-bench/rasterflow/pkg/grid"
	"github.com/terminal-bench/rasterflow/pkg/questions"
)

//go:embed schema.sql
var schema string

// Raster status values. Transitions are validated on write; status is a
// single explicit column, not derived from marker rows.
const (
	StatusNew         = "new"
	StatusQueued      = "queued"
	StatusInvalid     = "invalid"
	StatusValid       = "valid"
	StatusChunked     = "chunked"
	StatusProcessing  = "processing"
	StatusAggregating = "aggregating"
	StatusDone        = "done"
)

// Store wraps the Postgres connection.
type Store struct {
	db *sql.DB
}

// New returns a store over db and applies the schema.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Raster is one row of the rasters table.
type Raster struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	File          string    `json:"file"`
	QuestionSetID string    `json:"questionset_id,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// ValidRaster is the metadata persisted when a raster passes validation.
// NumChunks is the stable completion denominator: computed once, never
// re-derived, so later code upgrades to grid parameters cannot skew the
// completion check.
type ValidRaster struct {
	RasterID  string
	Hash      uint32
	Size      int64
	Width     int
	Height    int
	Bands     int
	CRS       string
	Transform geo.Affine
	Bounds    string
	Area      float64
	Grid      grid.Grid
	EffectSet []string
	NumChunks int
}

// ChunkResultRow locates one chunk's partial raster for aggregation.
type ChunkResultRow struct {
	X    int
	Y    int
	File string
}

// CreateRaster inserts a new raster row in status new.
func (s *Store) CreateRaster(ctx context.Context, id, name, file, questionsetID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rasters (id, name, file, questionset_id) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		id, name, file, nullable(questionsetID))
	if err != nil {
		return fmt.Errorf("failed to create raster: %w", err)
	}
	return nil
}

// GetRaster fetches one raster row.
func (s *Store) GetRaster(ctx context.Context, id string) (*Raster, error) {
	var r Raster
	var qsID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, file, questionset_id, status, created_at FROM rasters WHERE id = $1`,
		id).Scan(&r.ID, &r.Name, &r.File, &qsID, &r.Status, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("raster %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raster: %w", err)
	}
	r.QuestionSetID = qsID.String
	return &r, nil
}

// ListRasters returns the most recent rasters.
func (s *Store) ListRasters(ctx context.Context, limit int) ([]Raster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, file, questionset_id, status, created_at FROM rasters ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rasters: %w", err)
	}
	defer rows.Close()

	var out []Raster
	for rows.Next() {
		var r Raster
		var qsID sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.File, &qsID, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan raster: %w", err)
		}
		r.QuestionSetID = qsID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transition moves a raster from one of the expected statuses to next.
// Returns false when the raster was not in an expected status, which callers
// treat as "someone else already moved it" and skip their side effects.
func (s *Store) Transition(ctx context.Context, rasterID, next string, expected ...string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rasters SET status = $2, updated_at = now() WHERE id = $1 AND status = ANY($3)`,
		rasterID, next, pq.Array(expected))
	if err != nil {
		return false, fmt.Errorf("failed to transition raster: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read transition result: %w", err)
	}
	return n > 0, nil
}

// SaveQuestionSet stores a question tree under id.
func (s *Store) SaveQuestionSet(ctx context.Context, id, name string, tree []questions.Question) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to marshal questionset: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO questionsets (id, name, data) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		id, name, data)
	if err != nil {
		return fmt.Errorf("failed to save questionset: %w", err)
	}
	return nil
}

// GetQuestionSet loads a question tree by id.
func (s *Store) GetQuestionSet(ctx context.Context, id string) ([]questions.Question, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM questionsets WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("questionset %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get questionset: %w", err)
	}
	var tree []questions.Question
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to decode questionset: %w", err)
	}
	return tree, nil
}

// ListQuestionSets returns stored questionset ids and names.
func (s *Store) ListQuestionSets(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM questionsets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list questionsets: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan questionset: %w", err)
		}
		out[id] = name
	}
	return out, rows.Err()
}

// MarkValid persists the validated metadata. Conflict is a noop so a
// redelivered ingest event cannot duplicate or overwrite it.
func (s *Store) MarkValid(ctx context.Context, v ValidRaster) error {
	gridJSON, err := json.Marshal(v.Grid)
	if err != nil {
		return fmt.Errorf("failed to marshal grid: %w", err)
	}
	t := v.Transform.ToGDAL()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO raster_valid (raster, hash, size, width, height, bands, crs, transform, bounds, area, grid, effectset, num_chunks)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT DO NOTHING`,
		v.RasterID, int64(v.Hash), v.Size, v.Width, v.Height, v.Bands,
		nullable(v.CRS), pq.Array(t[:]), nullable(v.Bounds), v.Area,
		gridJSON, pq.Array(v.EffectSet), v.NumChunks)
	if err != nil {
		return fmt.Errorf("failed to mark raster valid: %w", err)
	}
	return nil
}

// GetValid loads the validated metadata for a raster.
func (s *Store) GetValid(ctx context.Context, rasterID string) (*ValidRaster, error) {
	var v ValidRaster
	var hash int64
	var crs, bounds sql.NullString
	var area sql.NullFloat64
	var gridJSON []byte
	var transform []float64
	err := s.db.QueryRowContext(ctx,
		`SELECT raster, hash, size, width, height, bands, crs, transform, bounds, area, grid, effectset, num_chunks
		 FROM raster_valid WHERE raster = $1`,
		rasterID).Scan(&v.RasterID, &hash, &v.Size, &v.Width, &v.Height, &v.Bands,
		&crs, pq.Array(&transform), &bounds, &area, &gridJSON, pq.Array(&v.EffectSet), &v.NumChunks)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("raster %s has no validated metadata", rasterID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get validated metadata: %w", err)
	}
	v.Hash = uint32(hash)
	v.CRS = crs.String
	v.Bounds = bounds.String
	v.Area = area.Float64
	if len(transform) == 6 {
		v.Transform = geo.FromGDAL([6]float64(transform))
	}
	if err := json.Unmarshal(gridJSON, &v.Grid); err != nil {
		return nil, fmt.Errorf("failed to decode grid: %w", err)
	}
	return &v, nil
}

// MarkInvalid records an ingestion-fatal rejection.
func (s *Store) MarkInvalid(ctx context.Context, rasterID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raster_invalid (raster, reason) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		rasterID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark raster invalid: %w", err)
	}
	return nil
}

// InvalidReason returns the recorded rejection reason, empty when none.
func (s *Store) InvalidReason(ctx context.Context, rasterID string) (string, error) {
	var reason string
	err := s.db.QueryRowContext(ctx,
		`SELECT reason FROM raster_invalid WHERE raster = $1`, rasterID).Scan(&reason)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get invalid reason: %w", err)
	}
	return reason, nil
}

// MarkTiled records the map-ready copy of the source raster.
func (s *Store) MarkTiled(ctx context.Context, rasterID, file string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raster_tiled (raster, file) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		rasterID, file)
	if err != nil {
		return fmt.Errorf("failed to mark raster tiled: %w", err)
	}
	return nil
}

// InsertChunk persists one chunk of the plan.
func (s *Store) InsertChunk(ctx context.Context, rasterID string, x, y int, chunkID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (id, raster, x, y) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		chunkID, rasterID, x, y)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	return nil
}

// Completion reports one chunk's terminal marker landing: inserted says the
// marker was new, done says every chunk of the raster now has a terminal
// marker, and claimed says this caller won the race to aggregate.
type Completion struct {
	Inserted bool
	Done     bool
	Claimed  bool
}

// RecordChunkResult stores a chunk's result marker and runs the completion
// check in one serializable transaction.
func (s *Store) RecordChunkResult(ctx context.Context, rasterID, chunkID, file string) (Completion, error) {
	return s.recordTerminal(ctx, rasterID,
		`INSERT INTO chunk_results (chunk, file) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		chunkID, file)
}

// RecordChunkFailure stores a chunk's failure marker and runs the completion
// check. Failed chunks count toward completion: a raster can finish with
// partial results.
func (s *Store) RecordChunkFailure(ctx context.Context, rasterID, chunkID, reason string) (Completion, error) {
	return s.recordTerminal(ctx, rasterID,
		`INSERT INTO chunk_failures (chunk, reason) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		chunkID, reason)
}

func (s *Store) recordTerminal(ctx context.Context, rasterID, insertSQL string, args ...interface{}) (Completion, error) {
	var c Completion
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return c, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertSQL, args...)
	if err != nil {
		return c, fmt.Errorf("failed to insert chunk marker: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.Inserted = true
	}

	// Count distinct chunks holding either terminal marker against the
	// denominator persisted at validation time.
	var count, total int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks c
		 WHERE c.raster = $1
		   AND (EXISTS (SELECT 1 FROM chunk_results cr WHERE cr.chunk = c.id)
		     OR EXISTS (SELECT 1 FROM chunk_failures cf WHERE cf.chunk = c.id))`,
		rasterID).Scan(&count)
	if err != nil {
		return c, fmt.Errorf("failed to count terminal chunks: %w", err)
	}
	err = tx.QueryRowContext(ctx,
		`SELECT num_chunks FROM raster_valid WHERE raster = $1`, rasterID).Scan(&total)
	if err != nil {
		return c, fmt.Errorf("failed to read chunk total: %w", err)
	}

	if count >= total {
		c.Done = true
		// Whoever lands this row aggregates; everyone else observes the
		// conflict and skips.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO results (raster) VALUES ($1) ON CONFLICT DO NOTHING`, rasterID)
		if err != nil {
			return c, fmt.Errorf("failed to claim result: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			c.Claimed = true
		}
	}

	if err := tx.Commit(); err != nil {
		return c, fmt.Errorf("failed to commit: %w", err)
	}
	return c, nil
}

// ChunkResults returns the result rows to stitch for a raster.
func (s *Store) ChunkResults(ctx context.Context, rasterID string) ([]ChunkResultRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.x, c.y, cr.file FROM chunks c
		 INNER JOIN chunk_results cr ON cr.chunk = c.id
		 WHERE c.raster = $1`,
		rasterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk results: %w", err)
	}
	defer rows.Close()

	var out []ChunkResultRow
	for rows.Next() {
		var r ChunkResultRow
		if err := rows.Scan(&r.X, &r.Y, &r.File); err != nil {
			return nil, fmt.Errorf("failed to scan chunk result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetResultFile records the stitched output artifact.
func (s *Store) SetResultFile(ctx context.Context, rasterID, file string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE results SET file = $2 WHERE raster = $1`, rasterID, file)
	if err != nil {
		return fmt.Errorf("failed to set result file: %w", err)
	}
	return nil
}

// MarkResultTiled records the map-ready copy of the scored output.
func (s *Store) MarkResultTiled(ctx context.Context, rasterID, file string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO result_tiled (raster, file) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		rasterID, file)
	if err != nil {
		return fmt.Errorf("failed to mark result tiled: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
