// Package api serves the loader's REST admin surface.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/orchestrator"
)

// Loader is the orchestrator surface the API drives.
type Loader interface {
	LoadCollections(ctx context.Context, req orchestrator.Request) (*orchestrator.Report, error)
	Status() orchestrator.Status
	Reset(ctx context.Context) error
}

// LoadRequest is the body of POST /v1/collections/load.
//
// Collections distinguishes null (load nothing) from [] (load everything),
// hence the pointer.
type LoadRequest struct {
	ReloadData  bool      `json:"reloadData"`
	ResetStore  bool      `json:"resetStore"`
	Collections *[]string `json:"collections"`
}

// APIError is the error body returned by every endpoint.
type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type handlers struct {
	loader Loader
	log    zerolog.Logger
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(loader Loader, log zerolog.Logger) *gin.Engine {
	log = log.With().Str("component", "api").Logger()
	h := &handlers{loader: loader, log: log}

	router := gin.New()
	router.Use(requestLogger(log), gin.Recovery())

	router.GET("/healthz", h.health)
	v1 := router.Group("/v1")
	{
		v1.POST("/collections/load", h.load)
		v1.GET("/collections", h.status)
		v1.POST("/store/reset", h.reset)
	}
	return router
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) load(c *gin.Context) {
	var body LoadRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(c, http.StatusBadRequest, string(collection.CodeInvalidArgument), "invalid request body", err.Error())
		return
	}

	req := orchestrator.Request{ReloadData: body.ReloadData, ResetStore: body.ResetStore}
	if body.Collections != nil {
		set, err := collection.ParseSet(*body.Collections)
		if err != nil {
			respondWithError(c, http.StatusBadRequest, string(collection.CodeInvalidArgument), err.Error(), nil)
			return
		}
		req.Collections = set
	}

	report, err := h.loader.LoadCollections(c.Request.Context(), req)
	if err == nil {
		c.JSON(http.StatusOK, report)
		return
	}
	var partial *orchestrator.PartialLoadError
	if errors.As(err, &partial) {
		c.JSON(http.StatusMultiStatus, report)
		return
	}
	h.respondWithLoadError(c, err)
}

func (h *handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.loader.Status())
}

func (h *handlers) reset(c *gin.Context) {
	if err := h.loader.Reset(c.Request.Context()); err != nil {
		h.respondWithLoadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (h *handlers) respondWithLoadError(c *gin.Context, err error) {
	code, retryable := orchestrator.Classify(err)
	status := http.StatusInternalServerError
	if errors.Is(err, collection.ErrInvalidArgument) {
		status = http.StatusBadRequest
	}
	h.log.Warn().Err(err).Str("code", code).Str("path", c.FullPath()).Msg("request failed")
	respondWithError(c, status, code, err.Error(), gin.H{"retryable": retryable})
}

func respondWithError(c *gin.Context, status int, code, message string, details interface{}) {
	c.JSON(status, APIError{Code: code, Message: message, Details: details})
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}
