package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"billboard-sentinel/internal/adjudication"
	"billboard-sentinel/internal/config"
	"billboard-sentinel/internal/domain/billboard"
	"billboard-sentinel/internal/geometry"
	"billboard-sentinel/internal/rules"
	"billboard-sentinel/internal/service"
	"billboard-sentinel/internal/worker"
)

type ReportService interface {
	Submit(ctx context.Context, sub service.Submission) (*adjudication.Outcome, error)
	Get(ctx context.Context, reportID string) (service.ReportView, error)
	RedactedImage(ctx context.Context, reportID string) ([]byte, billboard.RedactionMask, error)
	Cancel(ctx context.Context, reportID string) error
	Stats(ctx context.Context, since *time.Time) (service.StatsSummary, error)
	ReloadDatasets() (string, error)
	Rules() rules.Summary
	Accuracy() geometry.AccuracyReport
	Health() service.Health
	LookupRegistry(ctx context.Context, licenseID string, at *billboard.Coordinates) (service.RegistryEntry, error)
	SeedRegistry(ctx context.Context, rd io.Reader) (int, error)
	Heatmap(ctx context.Context, since *time.Time) (*geojson.FeatureCollection, error)
}

type Handler struct {
	reports ReportService
	config  *config.Config
	log     zerolog.Logger
}

func NewHandler(
	reports ReportService,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		reports: reports,
		config:  cfg,
		log:     log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/health", h.health)

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/reports", h.createReport)
		public.GET("/reports/:id", h.getReport)
		public.GET("/reports/:id/image", h.getRedactedImage)
		public.POST("/reports/:id/cancel", h.cancelReport)
		public.GET("/rules", h.listRules)
		public.GET("/geometry/accuracy", h.geometryAccuracy)
		public.GET("/stats/summary", h.statsSummary)
		public.GET("/heatmap", h.heatmap)
		public.GET("/registry/:license_id", h.lookupRegistry)
	}

	admin := r.Group("/api/v1/admin")
	admin.Use(authMiddleware)
	{
		admin.POST("/datasets/reload", h.reloadDatasets)
		admin.POST("/registry/seed", h.seedRegistry)
	}
}

// reportMetadata is the JSON document sent in the "metadata" form field.
type reportMetadata struct {
	ReportID    string                   `json:"report_id"`
	Lat         *float64                 `json:"lat"`
	Lon         *float64                 `json:"lon"`
	LicenseID   string                   `json:"license_id"`
	LicenseText string                   `json:"license_text"`
	Camera      *billboard.CameraContext `json:"camera"`
	Detections  []billboard.Detection    `json:"detections"`
	Faces       []billboard.BoundingBox  `json:"faces"`
}

func (m reportMetadata) coordinates() (*billboard.Coordinates, error) {
	switch {
	case m.Lat == nil && m.Lon == nil:
		return nil, nil
	case m.Lat == nil || m.Lon == nil:
		return nil, errors.New("lat and lon must be given together")
	}
	return &billboard.Coordinates{Lat: *m.Lat, Lon: *m.Lon}, nil
}

type reportResponse struct {
	ReportID       string                      `json:"report_id"`
	State          adjudication.State          `json:"state"`
	Record         *billboard.ViolationRecord  `json:"record,omitempty"`
	Redaction      billboard.RedactionMask     `json:"redaction"`
	Dimension      billboard.DimensionEstimate `json:"dimension"`
	Geo            billboard.GeoContext        `json:"geo"`
	Permit         billboard.PermitRecord      `json:"permit"`
	DatasetVersion string                      `json:"dataset_version,omitempty"`
}

func newReportResponse(out *adjudication.Outcome) reportResponse {
	return reportResponse{
		ReportID:       out.ReportID,
		State:          out.State,
		Record:         out.Record,
		Redaction:      out.Mask,
		Dimension:      out.Dimension,
		Geo:            out.Geo,
		Permit:         out.Permit,
		DatasetVersion: out.DatasetVersion,
	}
}

func (h *Handler) createReport(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.config.HTTP.MaxUploadBytes)

	sub, err := h.parseSubmission(c)
	if err != nil {
		h.log.Warn().Err(err).Msg("rejected report submission")
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	out, err := h.reports.Submit(c.Request.Context(), sub)
	if err != nil {
		if out != nil && out.State == adjudication.StateCancelled {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "report_id": out.ReportID})
			return
		}
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, successResponse(newReportResponse(out)))
}

func (h *Handler) parseSubmission(c *gin.Context) (service.Submission, error) {
	file, err := c.FormFile("image")
	if err != nil {
		return service.Submission{}, fmt.Errorf("image file is required: %w", err)
	}
	f, err := file.Open()
	if err != nil {
		return service.Submission{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	img, err := io.ReadAll(f)
	if err != nil {
		return service.Submission{}, fmt.Errorf("failed to read image: %w", err)
	}

	var meta reportMetadata
	if raw := strings.TrimSpace(c.PostForm("metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return service.Submission{}, fmt.Errorf("invalid metadata: %w", err)
		}
	}
	coords, err := meta.coordinates()
	if err != nil {
		return service.Submission{}, err
	}

	return service.Submission{
		ReportID:    strings.TrimSpace(meta.ReportID),
		Image:       img,
		Coordinates: coords,
		LicenseID:   meta.LicenseID,
		LicenseText: meta.LicenseText,
		Camera:      meta.Camera,
		Detections:  meta.Detections,
		Faces:       meta.Faces,
	}, nil
}

func (h *Handler) getReport(c *gin.Context) {
	view, err := h.reports.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(view))
}

func (h *Handler) getRedactedImage(c *gin.Context) {
	img, mask, err := h.reports.RedactedImage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.Header("X-Redaction-Algorithm", mask.Algorithm+"/"+mask.Version)
	c.Data(http.StatusOK, "image/png", img)
}

func (h *Handler) cancelReport(c *gin.Context) {
	id := c.Param("id")
	if err := h.reports.Cancel(c.Request.Context(), id); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling", "report_id": id})
}

func (h *Handler) listRules(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.reports.Rules()))
}

func (h *Handler) geometryAccuracy(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.reports.Accuracy()))
}

func parseSince(c *gin.Context) (*time.Time, bool) {
	s := strings.TrimSpace(c.Query("since"))
	if s == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("since must be an RFC3339 timestamp"))
		return nil, false
	}
	return &parsed, true
}

func (h *Handler) statsSummary(c *gin.Context) {
	since, ok := parseSince(c)
	if !ok {
		return
	}

	stats, err := h.reports.Stats(c.Request.Context(), since)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(stats))
}

// heatmap answers with a bare GeoJSON FeatureCollection so map clients can
// load it directly.
func (h *Handler) heatmap(c *gin.Context) {
	since, ok := parseSince(c)
	if !ok {
		return
	}

	fc, err := h.reports.Heatmap(c.Request.Context(), since)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, fc)
}

func (h *Handler) lookupRegistry(c *gin.Context) {
	var at *billboard.Coordinates
	lat, lon := strings.TrimSpace(c.Query("lat")), strings.TrimSpace(c.Query("lon"))
	if lat != "" || lon != "" {
		la, errLat := strconv.ParseFloat(lat, 64)
		lo, errLon := strconv.ParseFloat(lon, 64)
		if errLat != nil || errLon != nil {
			c.JSON(http.StatusBadRequest, errorResponse("lat and lon must be given together as numbers"))
			return
		}
		at = &billboard.Coordinates{Lat: la, Lon: lo}
	}

	entry, err := h.reports.LookupRegistry(c.Request.Context(), c.Param("license_id"), at)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(entry))
}

// seedRegistry accepts the CSV either as a multipart "file" field or as the
// raw request body.
func (h *Handler) seedRegistry(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.config.HTTP.MaxUploadBytes)

	var rd io.Reader = c.Request.Body
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("csv file is required"))
			return
		}
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("failed to open csv"))
			return
		}
		defer f.Close()
		rd = f
	}

	n, err := h.reports.SeedRegistry(c.Request.Context(), rd)
	if err != nil {
		h.handleError(c, err)
		return
	}
	h.log.Info().Int("permits", n).Str("by", c.GetString(subjectKey)).Msg("permit registry seeded")
	c.JSON(http.StatusOK, gin.H{"seeded": n})
}

func (h *Handler) reloadDatasets(c *gin.Context) {
	version, err := h.reports.ReloadDatasets()
	if err != nil {
		h.handleError(c, err)
		return
	}
	h.log.Info().Str("dataset", version).Str("by", c.GetString(subjectKey)).Msg("geo datasets reloaded")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "dataset_version": version})
}

func (h *Handler) health(c *gin.Context) {
	hl := h.reports.Health()
	c.JSON(http.StatusOK, gin.H{
		"status":          hl.Status,
		"environment":     h.config.Environment,
		"dataset_version": hl.DatasetVersion,
		"event_bus":       hl.EventBus,
		"queue":           hl.Queue,
	})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrAlreadyFinal), errors.Is(err, service.ErrDuplicateReport),
		errors.Is(err, adjudication.ErrCancelled):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolClosed),
		errors.Is(err, service.ErrDetectorUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
