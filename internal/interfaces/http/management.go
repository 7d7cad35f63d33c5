package http

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/domain/journey"
	"github.com/mocksmith/mocksmith/internal/infrastructure/cache"
	"github.com/mocksmith/mocksmith/internal/infrastructure/contextstore"
	"github.com/mocksmith/mocksmith/internal/infrastructure/llm"
	"github.com/mocksmith/mocksmith/internal/infrastructure/stats"
	"github.com/mocksmith/mocksmith/internal/interfaces/push"
)

// ManagementHandler serves the auth-gated administrative surface:
// contexts, push channels, journeys, shape sources and runtime stats.
type ManagementHandler struct {
	contexts *contextstore.Store
	engine   *push.Engine
	journeys *journey.Manager
	pool     *llm.Pool
	stats    *stats.Recorder
	cache    cacheStats
	logger   *zap.Logger

	specs  *blobStore // OpenAPI / Swagger documents, treated as opaque shape sources
	protos *blobStore // gRPC proto files, same treatment
}

// cacheStats is the read-only slice of the variant cache the stats
// endpoint needs.
type cacheStats interface {
	Stats() cache.Stats
}

// NewManagementHandler wires the administrative endpoints.
func NewManagementHandler(
	contexts *contextstore.Store,
	engine *push.Engine,
	journeys *journey.Manager,
	pool *llm.Pool,
	recorder *stats.Recorder,
	cache cacheStats,
	logger *zap.Logger,
) *ManagementHandler {
	return &ManagementHandler{
		contexts: contexts,
		engine:   engine,
		journeys: journeys,
		pool:     pool,
		stats:    recorder,
		cache:    cache,
		logger:   logger,
		specs:    newBlobStore(),
		protos:   newBlobStore(),
	}
}

// Register mounts every management route on the given group.
func (h *ManagementHandler) Register(g *gin.RouterGroup) {
	g.GET("/contexts", h.listContexts)
	g.GET("/contexts/:name", h.getContext)
	g.POST("/contexts/:name/calls", h.addContextCall)
	g.PATCH("/contexts/:name/shared", h.patchSharedData)
	g.DELETE("/contexts/:name", h.clearContext)
	g.DELETE("/contexts", h.clearAllContexts)

	g.GET("/signalr/contexts", h.listChannels)
	g.GET("/signalr/contexts/:name", h.getChannel)
	g.POST("/signalr/contexts", h.registerChannel)
	g.DELETE("/signalr/contexts/:name", h.unregisterChannel)
	g.POST("/signalr/contexts/:name/start", h.startChannel)
	g.POST("/signalr/contexts/:name/stop", h.stopChannel)

	g.GET("/journeys/templates", h.listJourneyTemplates)
	g.POST("/journeys/templates", h.addJourneyTemplate)
	g.POST("/journeys/sessions", h.startJourney)
	g.GET("/journeys/sessions", h.listJourneySessions)
	g.GET("/journeys/sessions/:id", h.getJourneySession)
	g.POST("/journeys/sessions/:id/advance", h.advanceJourney)
	g.DELETE("/journeys/sessions/:id", h.endJourney)

	specsGroup := g.Group("/openapi/specs")
	h.specs.register(specsGroup)
	specsGroup.POST("/reload", h.specs.reload)
	specsGroup.POST("/:name/test", h.specs.test)

	h.protos.register(g.Group("/grpc-protos"))

	g.GET("/stats", h.getStats)
	g.GET("/backends", h.getBackends)
}

// --- API contexts ---

func (h *ManagementHandler) listContexts(c *gin.Context) {
	c.JSON(http.StatusOK, h.contexts.ListAll())
}

func (h *ManagementHandler) getContext(c *gin.Context) {
	snap, ok := h.contexts.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "context not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *ManagementHandler) addContextCall(c *gin.Context) {
	var in struct {
		Method       string `json:"method"`
		Path         string `json:"path"`
		RequestBody  string `json:"requestBody"`
		ResponseBody string `json:"responseBody"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.contexts.Record(c.Param("name"), in.Method, in.Path, in.RequestBody, in.ResponseBody)
	c.Status(http.StatusNoContent)
}

func (h *ManagementHandler) patchSharedData(c *gin.Context) {
	var in map[string]string
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.contexts.SetShared(c.Param("name"), in)
	c.Status(http.StatusNoContent)
}

func (h *ManagementHandler) clearContext(c *gin.Context) {
	if !h.contexts.Clear(c.Param("name")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "context not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ManagementHandler) clearAllContexts(c *gin.Context) {
	h.contexts.ClearAll()
	c.Status(http.StatusNoContent)
}

// --- push channels ---

func (h *ManagementHandler) listChannels(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.List())
}

func (h *ManagementHandler) getChannel(c *gin.Context) {
	st, ok := h.engine.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *ManagementHandler) registerChannel(c *gin.Context) {
	var spec push.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.Register(spec); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	st, _ := h.engine.Get(spec.Name)
	c.JSON(http.StatusCreated, st)
}

func (h *ManagementHandler) unregisterChannel(c *gin.Context) {
	if !h.engine.Unregister(c.Param("name")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ManagementHandler) startChannel(c *gin.Context) {
	if err := h.engine.Start(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	st, _ := h.engine.Get(c.Param("name"))
	c.JSON(http.StatusOK, st)
}

func (h *ManagementHandler) stopChannel(c *gin.Context) {
	if err := h.engine.Stop(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	st, _ := h.engine.Get(c.Param("name"))
	c.JSON(http.StatusOK, st)
}

// --- journeys ---

func (h *ManagementHandler) listJourneyTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, h.journeys.Templates())
}

func (h *ManagementHandler) addJourneyTemplate(c *gin.Context) {
	var tmpl journey.Template
	if err := c.ShouldBindJSON(&tmpl); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.journeys.AddTemplate(tmpl); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, tmpl)
}

func (h *ManagementHandler) startJourney(c *gin.Context) {
	var in struct {
		Template  string            `json:"template"`
		Variables map[string]string `json:"variables,omitempty"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst, err := h.journeys.Start(in.Template, in.Variables)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (h *ManagementHandler) listJourneySessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.journeys.Sessions())
}

func (h *ManagementHandler) getJourneySession(c *gin.Context) {
	inst, ok := h.journeys.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *ManagementHandler) advanceJourney(c *gin.Context) {
	inst, err := h.journeys.Advance(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *ManagementHandler) endJourney(c *gin.Context) {
	if !h.journeys.End(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- stats and backends ---

func (h *ManagementHandler) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cache":     h.cache.Stats(),
		"endpoints": h.stats.Snapshot(),
	})
}

func (h *ManagementHandler) getBackends(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Status())
}

// blobStore keeps named opaque documents (OpenAPI specs, proto files)
// in memory. Loading and validating their contents is out of scope for
// the store; they only serve as shape sources.
type blobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

type blob struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newBlobStore() *blobStore {
	return &blobStore{blobs: make(map[string]blob)}
}

func (s *blobStore) register(g *gin.RouterGroup) {
	g.GET("", s.list)
	g.GET("/:name", s.get)
	g.PUT("/:name", s.put)
	g.DELETE("/:name", s.delete)
}

func (s *blobStore) list(c *gin.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.blobs))
	for name := range s.blobs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	c.JSON(http.StatusOK, names)
}

func (s *blobStore) get(c *gin.Context) {
	s.mu.RLock()
	b, ok := s.blobs[c.Param("name")]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *blobStore) put(c *gin.Context) {
	var in struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("name")
	s.mu.Lock()
	_, existed := s.blobs[name]
	s.blobs[name] = blob{Name: name, Content: in.Content, UpdatedAt: time.Now()}
	s.mu.Unlock()
	if existed {
		c.Status(http.StatusNoContent)
		return
	}
	c.Status(http.StatusCreated)
}

// reload acknowledges a re-read of the stored documents. The store never
// parses them, so reload amounts to reporting what is held.
func (s *blobStore) reload(c *gin.Context) {
	s.mu.RLock()
	n := len(s.blobs)
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"reloaded": n})
}

// test checks that a named document exists and carries content.
func (s *blobStore) test(c *gin.Context) {
	s.mu.RLock()
	b, ok := s.blobs[c.Param("name")]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": b.Name, "ok": b.Content != "", "bytes": len(b.Content)})
}

func (s *blobStore) delete(c *gin.Context) {
	s.mu.Lock()
	_, ok := s.blobs[c.Param("name")]
	delete(s.blobs, c.Param("name"))
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
