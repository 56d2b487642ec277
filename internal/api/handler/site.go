package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/sitexport/internal/site"
)

// SiteHandler lists the allow-listed export targets.
type SiteHandler struct {
	sites site.Registry
}

func NewSiteHandler(sites site.Registry) *SiteHandler {
	return &SiteHandler{sites: sites}
}

// ListSites handles GET /api/v1/sites.
func (h *SiteHandler) ListSites(c *gin.Context) {
	sites := h.sites.List()
	c.JSON(http.StatusOK, gin.H{
		"sites": sites,
		"total": len(sites),
	})
}
