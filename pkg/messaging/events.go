package messaging

import (
	"fmt"

	"github.com/terminal-bench/rasterflow/pkg/grid"
	"github.com/terminal-bench/rasterflow/pkg/questions"
)

// StreamName is the JetStream stream holding all pipeline subjects.
const StreamName = "PIPELINE"

// Pipeline subjects. Every message id is a deterministic function of the
// raster/chunk id and the stage, so the stream's duplicate window recognises
// redelivered publishes.
const (
	SubjectRasterNew     = "raster.new"
	SubjectRasterValid   = "raster.valid"
	SubjectRasterInvalid = "raster.invalid"
	SubjectRasterTiled   = "raster.tiled"
	SubjectChunkNew      = "chunk.new"
	SubjectChunkResult   = "chunk.result"
	SubjectChunkFailed   = "chunk.failed"
	SubjectResultNew     = "result.new"
	SubjectResultTiled   = "result.tiled"
)

// RasterEvent announces a raster entering or moving through the pipeline.
// It carries enough payload to reconstruct state without a database round
// trip.
type RasterEvent struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	File          string               `json:"file"`
	QuestionSetID string               `json:"questionset_id,omitempty"`
	QuestionSet   []questions.Question `json:"questionset,omitempty"`
	EffectSet     []string             `json:"effectset,omitempty"`
	CRS           string               `json:"crs,omitempty"`
}

// InvalidEvent records an ingestion-fatal rejection.
type InvalidEvent struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// ChunkJob is one unit of distributed work: a rectangular group of tiles of
// one raster with the questionset/effectset snapshot to score them against.
type ChunkJob struct {
	RasterID    string               `json:"raster_id"`
	File        string               `json:"file"`
	QuestionSet []questions.Question `json:"questionset"`
	EffectSet   []string             `json:"effectset"`
	Grid        grid.Grid            `json:"grid"`
	Chunk       [2]int               `json:"chunk"`
}

// ChunkResultEvent reports one chunk's partial raster, handed off by
// reference.
type ChunkResultEvent struct {
	RasterID string `json:"raster_id"`
	Chunk    [2]int `json:"chunk"`
	File     string `json:"file"`
}

// ChunkFailureEvent reports a chunk that exhausted its attempts.
type ChunkFailureEvent struct {
	RasterID string `json:"raster_id"`
	Chunk    [2]int `json:"chunk"`
	Reason   string `json:"reason"`
}

// ResultEvent triggers aggregation of a raster's chunk partials.
type ResultEvent struct {
	RasterID string    `json:"raster_id"`
	Grid     grid.Grid `json:"grid"`
}

// CompleteEvent announces the scored, map-ready output artifact.
type CompleteEvent struct {
	RasterID string `json:"raster_id"`
	File     string `json:"file"`
}

// ChunkID is the durable identity of one chunk of one raster.
func ChunkID(rasterID string, cx, cy int) string {
	return fmt.Sprintf("%s/%d,%d", rasterID, cx, cy)
}

// MsgID derives the idempotency key for a stage event.
func MsgID(subject, id string) string {
	return subject + "." + id
}
