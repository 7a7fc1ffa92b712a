// Package publish implements the server side of the package publish
// protocol: uploading new package versions, deleting existing ones, and
// restoring unlisted versions. The handler orchestrates four injected
// collaborators (authentication, indexing, deletion, metadata) and owns
// the mapping from their outcomes to protocol status codes.
package publish

import (
	"errors"
	"net/http"

	"github.com/Masterminds/semver/v3"
	"github.com/freighter-dev/freighter/internal/index"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// API key headers checked for the publish credential, in order. A missing
// header yields an empty credential; whether that authenticates is the
// gate's call, not ours.
const (
	apiKeyHeader         = "X-NuGet-ApiKey"
	apiKeyFallbackHeader = "X-API-Key"
)

// Handler drives the publish protocol over its injected collaborators
type Handler struct {
	auth       Authenticator
	indexer    Indexer
	deleter    Deleter
	metadata   MetadataStore
	scratchDir string
}

// NewHandler creates a publish protocol handler. scratchDir is where
// in-flight uploads are staged; each request gets its own scratch file.
func NewHandler(auth Authenticator, indexer Indexer, deleter Deleter, metadata MetadataStore, scratchDir string) *Handler {
	return &Handler{
		auth:       auth,
		indexer:    indexer,
		deleter:    deleter,
		metadata:   metadata,
		scratchDir: scratchDir,
	}
}

// Routes registers the publish protocol endpoints
func (h *Handler) Routes(api *gin.RouterGroup) {
	api.PUT("/api/v2/package", h.Upload)
	api.DELETE("/api/v2/package/:id/:version", h.Delete)
	api.POST("/api/v2/package/:id/:version", h.Relist)
}

// Upload accepts a package artifact, indexes it exactly once, and maps
// the indexing outcome to a status code: 201 on success, 409 when the
// version already exists, 400 for an invalid or missing payload.
func (h *Handler) Upload(c *gin.Context) {
	ctx := c.Request.Context()

	if !h.auth.Authenticate(ctx, credentialFromRequest(c.Request)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// Collaborator panics past this point must still produce exactly one
	// terminal status and must not escape to the transport layer.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("upload flow panicked")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
	}()

	upload, err := materializeUpload(ctx, c.Request, h.scratchDir)
	if err != nil {
		if errors.Is(err, ErrNoPayload) {
			log.Debug().Msg("upload request carried no package payload")
			c.JSON(http.StatusBadRequest, gin.H{"error": "package file required"})
			return
		}
		log.Error().Err(err).Msg("failed to materialize upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read package upload"})
		return
	}
	defer upload.Close()

	result, err := h.indexer.Index(ctx, upload)
	if err != nil {
		log.Error().Err(err).Msg("indexing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to index package"})
		return
	}

	switch result {
	case index.ResultInvalid:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid package"})
	case index.ResultAlreadyExists:
		c.JSON(http.StatusConflict, gin.H{"error": "package version already exists"})
	case index.ResultSuccess:
		c.JSON(http.StatusCreated, gin.H{"message": "package uploaded successfully"})
	default:
		log.Error().Stringer("result", result).Msg("unknown indexing result")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// Delete removes a package version: 204 when something was deleted, 404
// otherwise. The version is parsed before the credential is checked, so a
// malformed version reads as not-found even to unauthenticated callers.
func (h *Handler) Delete(c *gin.Context) {
	version, err := semver.NewVersion(c.Param("version"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "package not found"})
		return
	}

	ctx := c.Request.Context()
	if !h.auth.Authenticate(ctx, credentialFromRequest(c.Request)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	deleted, err := h.deleter.TryDelete(ctx, c.Param("id"), version)
	if err != nil {
		log.Error().Err(err).Str("name", c.Param("id")).Str("version", version.String()).
			Msg("delete failed")
		c.JSON(http.StatusNotFound, gin.H{"error": "package not found"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "package not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

// Relist restores a previously unlisted package version: 200 when the
// version exists, 404 otherwise. Version parsing precedes authentication
// for the same reason as Delete.
func (h *Handler) Relist(c *gin.Context) {
	version, err := semver.NewVersion(c.Param("version"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "package not found"})
		return
	}

	ctx := c.Request.Context()
	if !h.auth.Authenticate(ctx, credentialFromRequest(c.Request)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	relisted, err := h.metadata.Relist(ctx, c.Param("id"), version)
	if err != nil {
		log.Error().Err(err).Str("name", c.Param("id")).Str("version", version.String()).
			Msg("relist failed")
		c.JSON(http.StatusNotFound, gin.H{"error": "package not found"})
		return
	}
	if !relisted {
		c.JSON(http.StatusNotFound, gin.H{"error": "package not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "package relisted successfully"})
}

// credentialFromRequest extracts the opaque publish credential from the
// request headers
func credentialFromRequest(r *http.Request) string {
	if key := r.Header.Get(apiKeyHeader); key != "" {
		return key
	}
	return r.Header.Get(apiKeyFallbackHeader)
}
