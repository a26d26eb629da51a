package productions

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"adreel-backend/internal/runs"
	"adreel-backend/internal/shared/server/middleware"
	"adreel-backend/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the productions service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches run routes to the router group. create is applied to the
// run creation route only.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, create ...gin.HandlerFunc) {
	rg.POST("/runs", append(create, h.startRun)...)
	rg.GET("/runs/:id", h.getRun)
	rg.GET("/runs/:id/events", h.streamRun)
	rg.POST("/runs/:id/cancel", h.cancelRun)
	rg.POST("/runs/:id/resume", h.resumeRun)
	rg.GET("/runs/:id/assets", h.listAssets)
	rg.GET("/runs/:id/scripts", h.listScripts)
	rg.GET("/subjects/:id/runs", h.listSubjectRuns)
	rg.PUT("/organizations/:id/music-preset", h.putMusicPreset)
}

type startRunRequest struct {
	SubjectID       string `json:"subjectId"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	ImageURL        string `json:"imageUrl"`
	DurationSeconds int    `json:"durationSeconds"`
	Style           string `json:"style"`
	VoiceID         string `json:"voiceId"`
	CaptionPreset   string `json:"captionPreset"`
}

func (h *Handler) startRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	run, err := h.Svc.Start(ctx, StartRequest{
		Subject: runs.Subject{
			ID:          req.SubjectID,
			Name:        req.Name,
			Description: req.Description,
			ImageURL:    req.ImageURL,
		},
		OrganizationID: middleware.OrganizationIDFromContext(c),
		Settings: runs.Settings{
			DurationSeconds: req.DurationSeconds,
			Style:           req.Style,
			VoiceID:         req.VoiceID,
			CaptionPreset:   req.CaptionPreset,
		},
	})
	if err != nil {
		if run.ID != "" {
			// The run exists but could not be dispatched; it stays pending.
			respond.Error(c, http.StatusServiceUnavailable, "dispatch_failed", "run created but could not be dispatched", gin.H{"runId": run.ID})
			return
		}
		h.writeError(c, err, "failed to start run")
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{
		"runId":  run.ID,
		"status": run.Status,
		"stage":  run.Stage,
	})
}

func (h *Handler) getRun(c *gin.Context) {
	run, ok := h.loadScoped(c)
	if !ok {
		return
	}
	respond.OK(c, runs.SnapshotOf(run))
}

func (h *Handler) streamRun(c *gin.Context) {
	if _, ok := h.loadScoped(c); !ok {
		return
	}
	ctx := c.Request.Context()
	ch, err := h.Svc.Subscribe(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "failed to subscribe to run")
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("progress", snap)
			c.Writer.Flush()
		}
	}
}

func (h *Handler) cancelRun(c *gin.Context) {
	if _, ok := h.loadScoped(c); !ok {
		return
	}
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	run, err := h.Svc.Cancel(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "failed to cancel run")
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{
		"runId":           run.ID,
		"status":          run.Status,
		"cancelRequested": run.CancelRequested,
	})
}

func (h *Handler) resumeRun(c *gin.Context) {
	if _, ok := h.loadScoped(c); !ok {
		return
	}
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	run, err := h.Svc.Resume(ctx, c.Param("id"))
	if err != nil {
		if run.ID != "" {
			respond.Error(c, http.StatusServiceUnavailable, "dispatch_failed", "run requeued but could not be dispatched", gin.H{"runId": run.ID})
			return
		}
		h.writeError(c, err, "failed to resume run")
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{
		"runId":  run.ID,
		"status": run.Status,
	})
}

func (h *Handler) listAssets(c *gin.Context) {
	if _, ok := h.loadScoped(c); !ok {
		return
	}
	kind := runs.AssetKind(c.Query("kind"))
	list, err := h.Svc.ListAssets(c.Request.Context(), c.Param("id"), kind)
	if err != nil {
		h.writeError(c, err, "failed to list assets")
		return
	}
	if list == nil {
		list = []runs.MediaAsset{}
	}
	respond.OK(c, list)
}

func (h *Handler) listScripts(c *gin.Context) {
	if _, ok := h.loadScoped(c); !ok {
		return
	}
	list, err := h.Svc.ListScripts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "failed to list scripts")
		return
	}
	if list == nil {
		list = []runs.Script{}
	}
	respond.OK(c, list)
}

func (h *Handler) listSubjectRuns(c *gin.Context) {
	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			offset = parsed
		}
	}

	list, err := h.Svc.ListBySubject(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		h.writeError(c, err, "failed to list runs")
		return
	}
	org := middleware.OrganizationIDFromContext(c)
	resp := make([]runs.Snapshot, 0, len(list))
	for _, r := range list {
		if org != "" && r.OrganizationID != "" && r.OrganizationID != org {
			continue
		}
		resp = append(resp, runs.SnapshotOf(r))
	}
	respond.OK(c, resp)
}

type musicPresetRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (h *Handler) putMusicPreset(c *gin.Context) {
	orgID := c.Param("id")
	if scoped := middleware.OrganizationIDFromContext(c); scoped != "" && scoped != orgID {
		respond.Error(c, http.StatusForbidden, "forbidden", "organization mismatch", nil)
		return
	}
	var req musicPresetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	preset, err := h.Svc.PutMusicPreset(c.Request.Context(), runs.MusicPreset{
		OrganizationID: orgID,
		Name:           req.Name,
		URL:            req.URL,
	})
	if err != nil {
		h.writeError(c, err, "failed to store music preset")
		return
	}
	respond.OK(c, preset)
}

// loadScoped loads the run named in the path and hides runs that belong to a
// different organization than the caller's.
func (h *Handler) loadScoped(c *gin.Context) (runs.Run, bool) {
	run, err := h.Svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "failed to fetch run")
		return runs.Run{}, false
	}
	if org := middleware.OrganizationIDFromContext(c); org != "" && run.OrganizationID != "" && run.OrganizationID != org {
		respond.Error(c, http.StatusNotFound, "not_found", "run not found", nil)
		return runs.Run{}, false
	}
	return run, true
}

func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		respond.Error(c, http.StatusBadRequest, "validation_error", verr.Error(), []map[string]string{
			{"field": verr.Field, "issue": verr.Issue},
		})
	case errors.Is(err, runs.ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "run not found", nil)
	case errors.Is(err, runs.ErrNotActive):
		respond.Error(c, http.StatusConflict, "not_active", "run is not pending or in progress", nil)
	case errors.Is(err, runs.ErrNotResumable):
		respond.Error(c, http.StatusConflict, "not_resumable", "only partial, failed or cancelled runs can be resumed", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}
