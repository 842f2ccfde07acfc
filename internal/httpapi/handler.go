package httpapi

import (
	"net/http"
	"strconv"

	"profilehub/pkg/config"
	"profilehub/pkg/errutil"
	"profilehub/services/invitation"
	"profilehub/services/sync"
	"profilehub/services/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Router exposes the hub's HTTP surface: the update-ping callback the
// remote service invokes, invitation confirmation and task export.
type Router struct {
	db       *gorm.DB
	webhooks *webhook.Service
	codec    *invitation.TokenCodec
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Webhooks *webhook.Service
	Codec    *invitation.TokenCodec
}

func NewRouter(p Params) *Router {
	return &Router{db: p.DB, webhooks: p.Webhooks, codec: p.Codec}
}

// ProvideHandler builds the gin engine serving the hub API.
func ProvideHandler(cfg *config.Config, r *Router) http.Handler {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1")
	api.POST("/updates/:orcid", r.handleUpdatePing)
	api.GET("/invitations/confirm", r.handleInvitationConfirm)
	api.GET("/tasks/:id/export", r.handleTaskExport)

	return engine
}

// handleUpdatePing receives the premium notification: the remote service
// POSTs here when a registered profile changes.
func (r *Router) handleUpdatePing(c *gin.Context) {
	orcidID := c.Param("orcid")
	if orcidID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing orcid"})
		return
	}
	if err := r.webhooks.HandleProfileUpdated(c.Request.Context(), orcidID); err != nil {
		zap.L().Error("update ping handling failed", zap.String("orcid", orcidID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleInvitationConfirm(c *gin.Context) {
	payload, err := r.codec.Verify(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired invitation token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"email":        payload.Email,
		"organisation": payload.Org,
	})
}

func (r *Router) handleTaskExport(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	var t sync.Task
	if err := r.db.WithContext(c.Request.Context()).First(&t, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": errutil.CodeNotFound})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	var records []sync.Record
	err = r.db.WithContext(c.Request.Context()).
		Where("task_id = ?", t.ID).
		Order("id ASC").
		Preload("Invitee").
		Find(&records).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task":    t,
		"records": records,
	})
}

var Module = fx.Module("httpapi.module",
	fx.Provide(
		NewRouter,
		ProvideHandler,
	),
)
