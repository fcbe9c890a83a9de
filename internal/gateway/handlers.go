package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terminal-bench/rasterflow/internal/status"
	"github.com/terminal-bench/rasterflow/internal/worker"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
	"github.com/terminal-bench/rasterflow/pkg/questions"
)

// uploadRaster accepts a multipart upload, stores the raw bytes and emits
// raster.new. The questionset comes either inline as a JSON form field or by
// reference to a stored set; validation of the raster itself happens
// downstream.
func (g *Gateway) uploadRaster(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	defer file.Close()

	name := c.PostForm("name")
	if name == "" {
		name = header.Filename
	}

	ev := messaging.RasterEvent{
		Name:          name,
		QuestionSetID: c.PostForm("questionset_id"),
		CRS:           c.PostForm("crs"),
	}
	if raw := c.PostForm("questionset"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.QuestionSet); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("bad questionset: %v", err)})
			return
		}
		if err := questions.Validate(ev.QuestionSet); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if ev.QuestionSetID == "" && len(ev.QuestionSet) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "questionset or questionset_id required"})
		return
	}
	if set := c.PostForm("effectset"); set != "" {
		if err := json.Unmarshal([]byte(set), &ev.EffectSet); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("bad effectset: %v", err)})
			return
		}
	}

	ev.ID = generateID()
	ev.File = path.Join(ev.ID, "src.rst")

	if err := g.blobs.Write(c.Request.Context(), ev.File, file, header.Size); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to store raster: %v", err)})
		return
	}
	if err := g.store.CreateRaster(c.Request.Context(), ev.ID, ev.Name, ev.File, ev.QuestionSetID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	err = g.nats.Publish(c.Request.Context(), messaging.SubjectRasterNew,
		messaging.MsgID(messaging.SubjectRasterNew, ev.ID), ev)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to enqueue raster: %v", err)})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": ev.ID, "file": ev.File})
}

func (g *Gateway) listRasters(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rasters, err := g.store.ListRasters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rasters": rasters})
}

// getRaster returns the raster row plus the validated metadata when
// validation has run.
func (g *Gateway) getRaster(c *gin.Context) {
	id := c.Param("id")
	r, err := g.store.GetRaster(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"raster": r}
	if valid, err := g.store.GetValid(c.Request.Context(), id); err == nil {
		nx, ny := valid.Grid.NumTiles()
		resp["width"] = valid.Width
		resp["height"] = valid.Height
		resp["bands"] = valid.Bands
		resp["crs"] = valid.CRS
		resp["bounds"] = valid.Bounds
		resp["area"] = valid.Area
		resp["effectset"] = valid.EffectSet
		resp["num_chunks"] = valid.NumChunks
		resp["output_size"] = [2]int{nx, ny}
	}
	c.JSON(http.StatusOK, resp)
}

// getStatus serves the status snapshot, preferring the Redis cache so
// polling clients stay off Postgres.
func (g *Gateway) getStatus(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if g.cache != nil {
		if s, ok := g.cache.Get(ctx, id); ok {
			c.JSON(http.StatusOK, s)
			return
		}
	}

	r, err := g.store.GetRaster(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s := status.Snapshot{RasterID: id, Status: r.Status}
	if r.Status == "invalid" {
		if reason, err := g.store.InvalidReason(ctx, id); err == nil {
			s.Reason = reason
		}
	}
	if g.cache != nil {
		g.cache.Set(ctx, s)
	}
	c.JSON(http.StatusOK, s)
}

// artifactNames are the downloadable per-raster objects. Anything else 404s
// rather than turning the endpoint into a blob browser.
var artifactNames = map[string]bool{
	"src.rst":       true,
	"src-tiles.rst": true,
	"dst.rst":       true,
	"dst-tiles.rst": true,
}

func (g *Gateway) downloadArtifact(c *gin.Context) {
	id := c.Param("id")
	name := c.Param("name")
	if !artifactNames[name] {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown artifact"})
		return
	}
	key := path.Join(id, name)
	r, err := g.blobs.Read(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("artifact not found: %v", err)})
		return
	}
	defer r.Close()
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	io.Copy(c.Writer, r)
}

type questionSetRequest struct {
	Name      string               `json:"name"`
	Questions []questions.Question `json:"questions"`
}

func (g *Gateway) saveQuestionSet(c *gin.Context) {
	var req questionSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := questions.Validate(req.Questions); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := uuid.New().String()
	if err := g.store.SaveQuestionSet(c.Request.Context(), id, req.Name, req.Questions); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "effects": questions.EffectNames(req.Questions)})
}

func (g *Gateway) listQuestionSets(c *gin.Context) {
	sets, err := g.store.ListQuestionSets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"questionsets": sets})
}

func (g *Gateway) getQuestionSet(c *gin.Context) {
	tree, err := g.store.GetQuestionSet(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"questions": tree, "effects": questions.EffectNames(tree)})
}

// listWorkers reports the live worker fleet from the presence registry.
func (g *Gateway) listWorkers(c *gin.Context) {
	if g.etcd == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence registry not configured"})
		return
	}
	workers, err := worker.ListWorkers(c.Request.Context(), g.etcd)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}
