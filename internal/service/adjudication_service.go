package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"billboard-sentinel/internal/adjudication"
	"billboard-sentinel/internal/detector"
	"billboard-sentinel/internal/domain/billboard"
	"billboard-sentinel/internal/geo"
	"billboard-sentinel/internal/geometry"
	"billboard-sentinel/internal/repository"
	"billboard-sentinel/internal/rules"
	"billboard-sentinel/internal/utils"
	"billboard-sentinel/internal/worker"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyFinal        = errors.New("report already in a terminal state")
	ErrDetectorUnavailable = errors.New("detector unavailable")
	ErrDuplicateReport     = errors.New("report id already in use")
)

var reportIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

const (
	persistTimeout = 10 * time.Second
	recentTerminal = 1024
)

type RecordStore interface {
	SaveRecord(ctx context.Context, rec *billboard.ViolationRecord, mask billboard.RedactionMask, redacted []byte, at *billboard.Coordinates) error
	GetRecord(ctx context.Context, reportID string) (*billboard.ViolationRecord, error)
	GetRedactedImage(ctx context.Context, reportID string) ([]byte, billboard.RedactionMask, error)
	Stats(ctx context.Context, since *time.Time) (repository.Stats, error)
	Heatmap(ctx context.Context, since *time.Time) ([]repository.HeatPoint, error)
}

type EventPublisher interface {
	PublishFinalized(rec *billboard.ViolationRecord, mask billboard.RedactionMask) error
	IsConnected() bool
}

// PermitRegistry is the authoritative permit store behind the registry
// endpoints.
type PermitRegistry interface {
	FindPermit(ctx context.Context, licenseID string) (*repository.Permit, error)
	SeedFromCSV(ctx context.Context, rd io.Reader) (int, error)
}

// Submission is one field report as received from the capture client.
type Submission struct {
	// ReportID is optional. When set it must be unused and match
	// reportIDPattern; otherwise a UUID is assigned.
	ReportID    string
	Image       []byte
	Coordinates *billboard.Coordinates
	LicenseID   string
	// LicenseText is OCR or QR text searched for a license id when
	// LicenseID is empty.
	LicenseText string
	Camera      *billboard.CameraContext
	Detections  []billboard.Detection
	Faces       []billboard.BoundingBox
}

type Deps struct {
	Coordinator  *adjudication.Coordinator
	Pool         *worker.Pool
	Records      RecordStore
	Registry     PermitRegistry
	Publisher    EventPublisher
	Detector     detector.Detector
	Faces        detector.FaceLocator
	Datasets     *geo.Store
	LoadDatasets func() (*geo.Dataset, error)
	Config       adjudication.Config
	// QueueWait is how long Submit waits for queue space. Zero rejects
	// immediately when the queue is full.
	QueueWait time.Duration
}

type tracked struct {
	state   adjudication.State
	done    chan struct{}
	outcome *adjudication.Outcome
	err     error
}

type AdjudicationService struct {
	deps      Deps
	estimator *geometry.Estimator
	engine    *rules.Engine
	now       func() time.Time
	log       zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*tracked
	recent   []string
}

func NewAdjudicationService(deps Deps, log zerolog.Logger) *AdjudicationService {
	return &AdjudicationService{
		deps:      deps,
		estimator: geometry.NewEstimator(),
		engine:    rules.NewEngine(),
		now:       time.Now,
		log:       log,
		inflight:  make(map[string]*tracked),
	}
}

// Submit queues a report and waits for its outcome. Cancelling ctx withdraws
// the report, as does Cancel with the report id while it runs. A full queue
// returns worker.ErrQueueFull, after Deps.QueueWait when that is set.
func (s *AdjudicationService) Submit(ctx context.Context, sub Submission) (*adjudication.Outcome, error) {
	if len(sub.Image) == 0 {
		return nil, fmt.Errorf("%w: image is required", ErrInvalidInput)
	}
	if sub.ReportID != "" && !reportIDPattern.MatchString(sub.ReportID) {
		return nil, fmt.Errorf("%w: report id must be 1-64 characters of letters, digits, '.', '_' or '-'", ErrInvalidInput)
	}

	licenseID := s.licenseID(sub)

	detections, err := s.detections(ctx, sub)
	if err != nil {
		return nil, err
	}

	reportID := sub.ReportID
	if reportID == "" {
		reportID = uuid.NewString()
	} else if err := s.checkUnused(ctx, reportID); err != nil {
		return nil, err
	}

	t := &tracked{state: adjudication.StateReceived, done: make(chan struct{})}
	report := adjudication.Report{
		ID:          reportID,
		Image:       sub.Image,
		Coordinates: sub.Coordinates,
		Camera:      sub.Camera,
		LicenseID:   licenseID,
		Detections:  detections,
		OnState:     func(st adjudication.State) { s.setState(t, st) },
	}

	s.mu.Lock()
	if prev, ok := s.inflight[reportID]; ok && !prev.state.Terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateReport, reportID)
	}
	s.inflight[reportID] = t
	s.mu.Unlock()

	if err := s.enqueue(ctx, reportID, func(jobCtx context.Context) { s.run(jobCtx, report, t) }); err != nil {
		s.mu.Lock()
		delete(s.inflight, reportID)
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("report_id", reportID).Msg("report rejected")
		if errors.Is(err, worker.ErrDuplicateID) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateReport, reportID)
		}
		return nil, err
	}

	s.log.Debug().Str("report_id", reportID).Int("detections", len(detections)).Msg("report queued")

	select {
	case <-t.done:
		return t.outcome, t.err
	case <-ctx.Done():
		s.deps.Pool.Cancel(reportID)
		<-t.done
		return t.outcome, t.err
	}
}

func (s *AdjudicationService) enqueue(ctx context.Context, reportID string, fn worker.JobFunc) error {
	if s.deps.QueueWait <= 0 {
		return s.deps.Pool.TrySubmit(reportID, fn)
	}
	wctx, cancel := context.WithTimeout(ctx, s.deps.QueueWait)
	defer cancel()
	return s.deps.Pool.Submit(wctx, reportID, fn)
}

// checkUnused rejects a client-chosen id that already has a stored record.
func (s *AdjudicationService) checkUnused(ctx context.Context, reportID string) error {
	_, err := s.deps.Records.GetRecord(ctx, reportID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateReport, reportID)
	case errors.Is(err, repository.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("failed to check report id: %w", err)
	}
}

func (s *AdjudicationService) licenseID(sub Submission) string {
	licenseID := utils.NormalizeLicenseID(sub.LicenseID)
	if licenseID == "" && sub.LicenseText != "" {
		if found, ok := utils.ExtractLicenseID(sub.LicenseText); ok {
			licenseID = utils.NormalizeLicenseID(found)
			s.log.Debug().Str("license_id", licenseID).Msg("license id read from license text")
		}
	}
	if licenseID != "" && !utils.IsKnownLicenseFormat(licenseID) {
		s.log.Debug().Str("license_id", licenseID).Msg("license id in unrecognized format")
	}
	return licenseID
}

func (s *AdjudicationService) detections(ctx context.Context, sub Submission) ([]billboard.Detection, error) {
	dets := append([]billboard.Detection(nil), sub.Detections...)

	if len(dets) == 0 && s.deps.Detector != nil {
		found, err := s.deps.Detector.Detect(ctx, sub.Image)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
		}
		dets = found
	}
	if len(sub.Faces) == 0 && s.deps.Faces != nil {
		faces, err := s.deps.Faces.LocateFaces(ctx, sub.Image)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
		}
		dets = append(dets, faces...)
	}
	for _, box := range sub.Faces {
		dets = append(dets, billboard.Detection{Class: billboard.ClassFace, BBox: box, Confidence: 1})
	}
	return dets, nil
}

func (s *AdjudicationService) run(ctx context.Context, report adjudication.Report, t *tracked) {
	out, err := s.deps.Coordinator.Adjudicate(ctx, report, s.deps.Config)
	if err == nil && out.Record != nil {
		err = s.persist(ctx, out, report.Coordinates)
	}
	if errors.Is(err, adjudication.ErrInvalidInput) {
		err = fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	s.mu.Lock()
	t.outcome, t.err = out, err
	if out != nil {
		t.state = out.State
	}
	if out != nil && out.State == adjudication.StateFinalized && err == nil {
		delete(s.inflight, report.ID)
	} else {
		s.rememberLocked(report.ID)
	}
	s.mu.Unlock()
	close(t.done)
}

func (s *AdjudicationService) persist(ctx context.Context, out *adjudication.Outcome, at *billboard.Coordinates) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := s.deps.Records.SaveRecord(pctx, out.Record, out.Mask, out.RedactedImage, at); err != nil {
		s.log.Error().Err(err).Str("report_id", out.ReportID).Msg("failed to save violation record")
		return fmt.Errorf("failed to save violation record: %w", err)
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishFinalized(out.Record, out.Mask); err != nil {
			s.log.Warn().Err(err).Str("record_id", out.Record.ID()).Msg("failed to publish finalized record")
		}
	}
	return nil
}

// rememberLocked keeps a bounded history of reports that ended without a
// stored record so their state stays queryable.
func (s *AdjudicationService) rememberLocked(reportID string) {
	s.recent = append(s.recent, reportID)
	if len(s.recent) > recentTerminal {
		evict := s.recent[0]
		s.recent = s.recent[1:]
		if t, ok := s.inflight[evict]; ok && t.state.Terminal() {
			delete(s.inflight, evict)
		}
	}
}

func (s *AdjudicationService) setState(t *tracked, st adjudication.State) {
	s.mu.Lock()
	t.state = st
	s.mu.Unlock()
}

type ReportView struct {
	ReportID string                     `json:"report_id"`
	State    adjudication.State         `json:"state"`
	Record   *billboard.ViolationRecord `json:"record,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

// Get returns the live state of an in-flight report, or its stored record.
func (s *AdjudicationService) Get(ctx context.Context, reportID string) (ReportView, error) {
	s.mu.Lock()
	t, ok := s.inflight[reportID]
	var view ReportView
	if ok {
		view = ReportView{ReportID: reportID, State: t.state}
		if t.err != nil {
			view.Error = t.err.Error()
		}
	}
	s.mu.Unlock()
	if ok {
		return view, nil
	}

	rec, err := s.deps.Records.GetRecord(ctx, reportID)
	if errors.Is(err, repository.ErrNotFound) {
		return ReportView{}, fmt.Errorf("%w: report %s", ErrNotFound, reportID)
	}
	if err != nil {
		return ReportView{}, fmt.Errorf("failed to load record: %w", err)
	}
	return ReportView{ReportID: reportID, State: adjudication.StateFinalized, Record: rec}, nil
}

func (s *AdjudicationService) RedactedImage(ctx context.Context, reportID string) ([]byte, billboard.RedactionMask, error) {
	img, mask, err := s.deps.Records.GetRedactedImage(ctx, reportID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, mask, fmt.Errorf("%w: image for report %s", ErrNotFound, reportID)
	}
	return img, mask, err
}

// Cancel withdraws a report that has not reached a terminal state.
func (s *AdjudicationService) Cancel(ctx context.Context, reportID string) error {
	s.mu.Lock()
	t, ok := s.inflight[reportID]
	terminal := ok && t.state.Terminal()
	s.mu.Unlock()

	switch {
	case terminal:
		return fmt.Errorf("%w: %s", ErrAlreadyFinal, reportID)
	case ok:
		if s.deps.Pool.Cancel(reportID) {
			s.log.Info().Str("report_id", reportID).Msg("cancellation requested")
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyFinal, reportID)
	}

	if _, err := s.deps.Records.GetRecord(ctx, reportID); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyFinal, reportID)
	}
	return fmt.Errorf("%w: report %s", ErrNotFound, reportID)
}

type StatsSummary struct {
	repository.Stats
	Queue          worker.Metrics `json:"queue"`
	InFlight       int            `json:"in_flight"`
	DatasetVersion string         `json:"dataset_version,omitempty"`
}

func (s *AdjudicationService) Stats(ctx context.Context, since *time.Time) (StatsSummary, error) {
	stats, err := s.deps.Records.Stats(ctx, since)
	if err != nil {
		return StatsSummary{}, fmt.Errorf("failed to compute stats: %w", err)
	}

	summary := StatsSummary{Stats: stats, Queue: s.deps.Pool.Metrics()}
	s.mu.Lock()
	for _, t := range s.inflight {
		if !t.state.Terminal() {
			summary.InFlight++
		}
	}
	s.mu.Unlock()
	if ds, err := s.deps.Datasets.Current(); err == nil {
		summary.DatasetVersion = ds.Version()
	}
	return summary, nil
}

// ReloadDatasets loads fresh junction and zoning data and publishes it.
// Reports already running keep the dataset they started with.
func (s *AdjudicationService) ReloadDatasets() (string, error) {
	if s.deps.LoadDatasets == nil {
		return "", errors.New("dataset loading not configured")
	}
	ds, err := s.deps.LoadDatasets()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to reload geo datasets")
		return "", fmt.Errorf("failed to reload geo datasets: %w", err)
	}
	s.deps.Datasets.Swap(ds)
	return ds.Version(), nil
}

func (s *AdjudicationService) Rules() rules.Summary {
	return s.engine.Summary(s.deps.Config.Rules)
}

func (s *AdjudicationService) Accuracy() geometry.AccuracyReport {
	return s.estimator.AccuracyReport(s.deps.Config.Geometry)
}

type Health struct {
	Status         string         `json:"status"`
	DatasetVersion string         `json:"dataset_version,omitempty"`
	EventBus       string         `json:"event_bus"`
	Queue          worker.Metrics `json:"queue"`
}

// Health reports "degraded" when no geo dataset is loaded or the event bus
// has lost its connection. A service without a publisher reports the bus as
// disabled.
func (s *AdjudicationService) Health() Health {
	h := Health{Status: "ok", EventBus: "disabled", Queue: s.deps.Pool.Metrics()}
	if ds, err := s.deps.Datasets.Current(); err == nil {
		h.DatasetVersion = ds.Version()
	} else {
		h.Status = "degraded"
	}
	if s.deps.Publisher != nil {
		h.EventBus = "connected"
		if !s.deps.Publisher.IsConnected() {
			h.EventBus = "disconnected"
			h.Status = "degraded"
		}
	}
	return h
}

type RegistryEntry struct {
	LicenseID string                 `json:"license_id"`
	Exists    bool                   `json:"exists"`
	Owner     string                 `json:"owner,omitempty"`
	Status    string                 `json:"status,omitempty"`
	ValidFrom string                 `json:"valid_from,omitempty"`
	ValidTo   string                 `json:"valid_to,omitempty"`
	Lat       *float64               `json:"lat,omitempty"`
	Lon       *float64               `json:"lon,omitempty"`
	Lookup    billboard.PermitRecord `json:"lookup"`
}

// LookupRegistry returns the registered permit for licenseID and how it
// evaluates for a report made now at location at. An unknown license is not
// an error; the entry reports Exists false.
func (s *AdjudicationService) LookupRegistry(ctx context.Context, licenseID string, at *billboard.Coordinates) (RegistryEntry, error) {
	normalized := utils.NormalizeLicenseID(licenseID)
	if normalized == "" {
		return RegistryEntry{}, fmt.Errorf("%w: license id is required", ErrInvalidInput)
	}
	if at != nil && !at.Valid() {
		return RegistryEntry{}, fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	}
	if s.deps.Registry == nil {
		return RegistryEntry{}, errors.New("permit registry not configured")
	}

	p, err := s.deps.Registry.FindPermit(ctx, normalized)
	if errors.Is(err, repository.ErrNotFound) {
		return RegistryEntry{
			LicenseID: normalized,
			Lookup:    billboard.PermitRecord{LicenseID: normalized, Status: billboard.LookupNotFound},
		}, nil
	}
	if err != nil {
		return RegistryEntry{}, fmt.Errorf("failed to look up permit: %w", err)
	}

	entry := RegistryEntry{
		LicenseID: p.Normalized,
		Exists:    true,
		Status:    p.Status,
		Lat:       p.Lat,
		Lon:       p.Lon,
		Lookup:    repository.EvaluatePermit(*p, at, s.now(), s.deps.Config.Rules.PermitLocationTolerance),
	}
	if p.Owner != nil {
		entry.Owner = *p.Owner
	}
	if p.ValidFrom != nil {
		entry.ValidFrom = time.Time(*p.ValidFrom).Format(time.DateOnly)
	}
	if p.ValidTo != nil {
		entry.ValidTo = time.Time(*p.ValidTo).Format(time.DateOnly)
	}
	return entry, nil
}

// SeedRegistry upserts permits from a CSV export and returns how many rows
// were loaded.
func (s *AdjudicationService) SeedRegistry(ctx context.Context, rd io.Reader) (int, error) {
	if s.deps.Registry == nil {
		return 0, errors.New("permit registry not configured")
	}
	n, err := s.deps.Registry.SeedFromCSV(ctx, rd)
	if errors.Is(err, repository.ErrInvalidCSV) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to seed permits: %w", err)
	}
	s.log.Info().Int("permits", n).Msg("permit registry seeded")
	return n, nil
}

// Heatmap returns the location of every located finalized record as a
// GeoJSON FeatureCollection of points.
func (s *AdjudicationService) Heatmap(ctx context.Context, since *time.Time) (*geojson.FeatureCollection, error) {
	points, err := s.deps.Records.Heatmap(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load heatmap: %w", err)
	}

	fc := geojson.NewFeatureCollection()
	for _, p := range points {
		f := geojson.NewFeature(orb.Point{p.Lon, p.Lat})
		f.ID = p.RecordID
		f.Properties["report_id"] = p.ReportID
		f.Properties["has_violation"] = p.HasViolation
		f.Properties["finalized_at"] = p.FinalizedAt.UTC().Format(time.RFC3339)
		fc.Append(f)
	}
	return fc, nil
}
