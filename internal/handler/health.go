package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

type HealthHandler struct {
	pool      *pgxpool.Pool
	providers []string
}

// NewHealthHandler takes a nil pool when the service runs on in-memory
// storage.
func NewHealthHandler(pool *pgxpool.Pool, providers []string) *HealthHandler {
	return &HealthHandler{pool: pool, providers: providers}
}

func (h *HealthHandler) Health(c *gin.Context) {
	if h.pool == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "disabled",
			"providers": h.providers,
		})
		return
	}

	dbStatus := "connected"
	if err := h.pool.Ping(c.Request.Context()); err != nil {
		dbStatus = "disconnected"
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbStatus,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"database":  dbStatus,
		"providers": h.providers,
	})
}
