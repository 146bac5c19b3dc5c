package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"imagevariant/internal/apierr"
	"imagevariant/internal/database"
	"imagevariant/internal/resolver"
	"imagevariant/internal/variant"
)

// Handlers groups the HTTP surface of spec.md §6.1 over a Resolver.
type Handlers struct {
	resolver           *resolver.Resolver
	db                 *database.DB
	resizedImagePrefix string
}

// NewHandlers builds the edge's request handlers. resizedImagePrefix, when
// non-empty, is the forbidden request-path prefix guarding against the
// service being asked to resize its own rendition bucket in a loop.
func NewHandlers(res *resolver.Resolver, db *database.DB, resizedImagePrefix string) *Handlers {
	return &Handlers{resolver: res, db: db, resizedImagePrefix: resizedImagePrefix}
}

// Health implements GET /health.
func (h *Handlers) Health(c *gin.Context) {
	if err := h.db.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy", "error": err.Error(), "timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

// ResolveImage implements GET /<imageId>?w=&h=&format=&force_resize=.
func (h *Handlers) ResolveImage(c *gin.Context) {
	imageID := c.Param("imageId")

	if h.resizedImagePrefix != "" && strings.HasPrefix(c.Request.URL.Path, h.resizedImagePrefix) {
		sendError(c, apierr.ErrForbidden)
		return
	}

	req, err := parseResolveRequest(c, imageID)
	if err != nil {
		sendError(c, err)
		return
	}

	key, servingOriginal, err := h.resolver.ResolveVariant(c.Request.Context(), req)
	if err != nil {
		sendError(c, err)
		return
	}

	status := "ready"
	cacheControl := "public, max-age=31536000, immutable"
	if servingOriginal {
		status = "processing"
		cacheControl = "no-cache, no-store, must-revalidate"
	}

	c.Header("X-Image-Status", status)
	c.Header("Cache-Control", cacheControl)
	c.Redirect(http.StatusFound, h.resolver.PublicURL(key))
}

// DeleteImage implements DELETE /<imageId>?w=&h=&format=.
func (h *Handlers) DeleteImage(c *gin.Context) {
	imageID := c.Param("imageId")

	var width, height *int
	if w, h, ok, err := parseDimensionPair(c); err != nil {
		sendError(c, err)
		return
	} else if ok {
		width, height = &w, &h
	}

	var format *string
	if raw := c.Query("format"); raw != "" {
		normalized, ok := variant.NormalizeFormat(raw)
		if !ok {
			sendError(c, apierr.ErrValidation)
			return
		}
		format = &normalized
	}

	if err := h.resolver.DeleteImage(c.Request.Context(), imageID, width, height, format); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, apierr.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.Error(err)
		c.AbortWithStatusJSON(status, response{Success: false, Message: "delete failed", Error: err.Error()})
		return
	}

	sendSuccess(c, "Image deleted successfully", nil)
}

func parseResolveRequest(c *gin.Context, imageID string) (resolver.Request, error) {
	w, h, ok, err := parseDimensionPair(c)
	if err != nil {
		return resolver.Request{}, err
	}

	req := resolver.Request{ImageID: imageID}
	if ok {
		req.Width, req.Height = &w, &h
	}

	format := c.Query("format")
	if format == "" {
		format = "jpeg"
	}
	req.Format = format

	if raw := c.Query("force_resize"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			return resolver.Request{}, apierr.ErrValidation
		}
		req.ForceResize = force
	}

	return req, req.Validate()
}

// parseDimensionPair enforces spec.md §6.1's "w and h must both be present
// or both absent" rule, returning ok=false when neither was supplied.
func parseDimensionPair(c *gin.Context) (w, h int, ok bool, err error) {
	wRaw, hRaw := c.Query("w"), c.Query("h")
	if wRaw == "" && hRaw == "" {
		return 0, 0, false, nil
	}
	if wRaw == "" || hRaw == "" {
		return 0, 0, false, apierr.ErrValidation
	}

	w, err1 := strconv.Atoi(wRaw)
	h, err2 := strconv.Atoi(hRaw)
	if err1 != nil || err2 != nil {
		return 0, 0, false, apierr.ErrValidation
	}
	return w, h, true, nil
}
