package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/downloader"
)

// QueueManager is the caller surface of the download queue.
type QueueManager interface {
	Add(req domain.AddRequest) (domain.QueuedItem, error)
	Get(id string) (domain.QueuedItem, error)
	List() []domain.QueuedItem
	Pause(id string) error
	Resume(id string) error
	Remove(id string, deleteFiles bool) error
	SelectFiles(id string, indices []int) error
	DownloadMoreFiles(id string, indices []int) error
	GetSettings() domain.Settings
	UpdateSettings(s domain.Settings) error
	Subscribe() (<-chan downloader.Snapshot, func())
}

// Authenticator issues and checks bearer tokens.
type Authenticator interface {
	Login(username, password string) (string, time.Time, error)
	Verify(token string) (string, error)
}

// Handler wires HTTP routes to the queue manager.
type Handler struct {
	manager    QueueManager
	auth       Authenticator
	torrentDir string
	logger     *logrus.Logger
}

// NewHandler builds the API. A nil auth leaves every route open.
func NewHandler(manager QueueManager, auth Authenticator, torrentDir string, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		manager:    manager,
		auth:       auth,
		torrentDir: torrentDir,
		logger:     logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware(), requestLogger(h.logger))

	api := router.Group("/api")
	{
		api.GET("/health", h.health)
		api.POST("/auth/token", h.login)

		authed := api.Group("", h.requireAuth())
		authed.POST("/items", h.addItem)
		authed.GET("/items", h.listItems)
		authed.GET("/items/:id", h.getItem)
		authed.DELETE("/items/:id", h.removeItem)
		authed.POST("/items/:id/pause", h.pauseItem)
		authed.POST("/items/:id/resume", h.resumeItem)
		authed.POST("/items/:id/selection", h.selectFiles)
		authed.POST("/items/:id/files", h.downloadMoreFiles)
		authed.GET("/settings", h.getSettings)
		authed.PUT("/settings", h.updateSettings)
		authed.GET("/events", h.events)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("http request")
	}
}

// requireAuth accepts "Authorization: Bearer <token>", or an access_token
// query parameter for EventSource clients that cannot set headers.
func (h *Handler) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.auth == nil {
			c.Next()
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			token = c.Query("access_token")
		}
		subject, err := h.auth.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("subject", subject)
		c.Next()
	}
}

func (h *Handler) health(c *gin.Context) {
	counts := make(map[domain.ItemStatus]int)
	for _, it := range h.manager.List() {
		counts[it.Status]++
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "items": counts})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	if h.auth == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication is disabled"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, expires, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expires.UTC().Format(time.RFC3339)})
}

type addItemRequest struct {
	Magnet          string `json:"magnet" form:"magnet"`
	DestinationPath string `json:"destination_path" form:"destination_path"`
	Partial         bool   `json:"partial" form:"partial"`
}

// addItem takes JSON, or a multipart form carrying the .torrent upload in
// the "torrent" field. Torrent files only come from uploads, never from a
// server path named by the client.
func (h *Handler) addItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var torrentFile string
	if upload, err := c.FormFile("torrent"); err == nil {
		if filepath.Ext(upload.Filename) != ".torrent" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "upload must be a .torrent file"})
			return
		}
		if err := os.MkdirAll(h.torrentDir, 0o755); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		dst := filepath.Join(h.torrentDir, uuid.NewString()+".torrent")
		if err := c.SaveUploadedFile(upload, dst); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("save upload: %v", err)})
			return
		}
		torrentFile = dst
	}

	item, err := h.manager.Add(domain.AddRequest{
		Source:          domain.SourceRef{MagnetURI: req.Magnet, TorrentFilePath: torrentFile},
		DestinationPath: req.DestinationPath,
		Partial:         req.Partial,
	})
	if err != nil {
		if torrentFile != "" {
			if rmErr := os.Remove(torrentFile); rmErr != nil {
				h.logger.Warnf("remove rejected upload %s: %v", torrentFile, rmErr)
			}
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, item)
}

func (h *Handler) listItems(c *gin.Context) {
	items := h.manager.List()
	if status := c.Query("status"); status != "" {
		filtered := items[:0]
		for _, it := range items {
			if string(it.Status) == status {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) getItem(c *gin.Context) {
	item, err := h.manager.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) removeItem(c *gin.Context) {
	deleteFiles, err := strconv.ParseBool(c.DefaultQuery("delete_files", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_files"})
		return
	}
	id := c.Param("id")
	if err := h.manager.Remove(id, deleteFiles); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) pauseItem(c *gin.Context) {
	h.itemAction(c, h.manager.Pause)
}

func (h *Handler) resumeItem(c *gin.Context) {
	h.itemAction(c, h.manager.Resume)
}

func (h *Handler) itemAction(c *gin.Context, action func(id string) error) {
	id := c.Param("id")
	if err := action(id); err != nil {
		writeError(c, err)
		return
	}
	h.respondItem(c, id)
}

type selectionRequest struct {
	Indices []int `json:"indices"`
}

func (h *Handler) selectFiles(c *gin.Context) {
	h.selectionAction(c, h.manager.SelectFiles)
}

func (h *Handler) downloadMoreFiles(c *gin.Context) {
	h.selectionAction(c, h.manager.DownloadMoreFiles)
}

func (h *Handler) selectionAction(c *gin.Context, action func(id string, indices []int) error) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if err := action(id, req.Indices); err != nil {
		writeError(c, err)
		return
	}
	h.respondItem(c, id)
}

func (h *Handler) respondItem(c *gin.Context, id string) {
	item, err := h.manager.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.GetSettings())
}

func (h *Handler) updateSettings(c *gin.Context) {
	var s domain.Settings
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.manager.UpdateSettings(s); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.manager.GetSettings())
}

// events streams progress snapshots as server-sent events, starting with the
// current state.
func (h *Handler) events(c *gin.Context) {
	snapshots, unsubscribe := h.manager.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", downloader.Snapshot{At: time.Now().UTC(), Items: h.manager.List()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snap, ok := <-snapshots:
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snap)
			return true
		}
	})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateItem), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidSelection),
		errors.Is(err, domain.ErrInvalidSource),
		errors.Is(err, domain.ErrInvalidDestination),
		errors.Is(err, domain.ErrInvalidSettings):
		status = http.StatusBadRequest
	case errors.Is(err, downloader.ErrShutdown):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
