package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkID(t *testing.T) {
	t.Run("should address a chunk by raster and position", func(t *testing.T) {
		assert.Equal(t, "r1/2,3", ChunkID("r1", 2, 3))
	})

	t.Run("should be unique per position", func(t *testing.T) {
		assert.NotEqual(t, ChunkID("r1", 1, 2), ChunkID("r1", 2, 1))
	})
}

func TestMsgID(t *testing.T) {
	t.Run("should scope the id to the stage", func(t *testing.T) {
		assert.Equal(t, "raster.valid.r1", MsgID(SubjectRasterValid, "r1"))
		assert.NotEqual(t, MsgID(SubjectRasterNew, "r1"), MsgID(SubjectRasterValid, "r1"))
	})
}
