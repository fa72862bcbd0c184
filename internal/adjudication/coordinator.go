// Package adjudication runs one report through dimensioning, redaction and
// geo checks, then classifies it into a finalized violation record.
package adjudication

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"billboard-sentinel/internal/domain/billboard"
	"billboard-sentinel/internal/geo"
	"billboard-sentinel/internal/geometry"
	"billboard-sentinel/internal/redact"
	"billboard-sentinel/internal/rules"
)

// PermitLookup queries the permit registry. A missing permit is a
// LookupNotFound record, not an error; errors mean the lookup itself failed.
type PermitLookup interface {
	LookupPermit(ctx context.Context, licenseID string, at *billboard.Coordinates) (billboard.PermitRecord, error)
}

// DatasetSource hands out the current geo dataset. Each run pins the dataset
// it received for its whole lifetime.
type DatasetSource interface {
	Current() (*geo.Dataset, error)
}

type dimensioner interface {
	Estimate(d billboard.Detection, camera *billboard.CameraContext, cfg geometry.Config) (billboard.DimensionEstimate, error)
}

type masker interface {
	Redact(src image.Image, detections []billboard.Detection, cfg redact.Config) (*image.RGBA, billboard.RedactionMask)
}

type placer interface {
	Evaluate(ds *geo.Dataset, coords *billboard.Coordinates) billboard.GeoContext
}

type Settings struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	GeometryTimeout     time.Duration `mapstructure:"geometry_timeout"`
	RedactionTimeout    time.Duration `mapstructure:"redaction_timeout"`
	GeoTimeout          time.Duration `mapstructure:"geo_timeout"`
	PermitTimeout       time.Duration `mapstructure:"permit_timeout"`
	LookupRetries       int           `mapstructure:"lookup_retries"`
	LookupBackoff       time.Duration `mapstructure:"lookup_backoff"`
}

func DefaultSettings() Settings {
	return Settings{
		ConfidenceThreshold: 0.5,
		GeometryTimeout:     2 * time.Second,
		RedactionTimeout:    10 * time.Second,
		GeoTimeout:          2 * time.Second,
		PermitTimeout:       5 * time.Second,
		LookupRetries:       3,
		LookupBackoff:       100 * time.Millisecond,
	}
}

// Config is everything a run needs. It is passed per call so a run never
// observes configuration changes made while it is in flight.
type Config struct {
	Settings  Settings
	Geometry  geometry.Config
	Redaction redact.Config
	Rules     rules.Config
}

type Report struct {
	ID string
	// OnState, when set, observes every state the run passes through.
	OnState     func(State)
	Image       []byte
	Coordinates *billboard.Coordinates
	Camera      *billboard.CameraContext
	LicenseID   string
	Detections  []billboard.Detection
}

type Outcome struct {
	ReportID       string
	State          State
	Record         *billboard.ViolationRecord
	RedactedImage  []byte
	Mask           billboard.RedactionMask
	Dimension      billboard.DimensionEstimate
	Geo            billboard.GeoContext
	Permit         billboard.PermitRecord
	DatasetVersion string
}

type Coordinator struct {
	estimator dimensioner
	redactor  masker
	checker   placer
	engine    *rules.Engine
	datasets  DatasetSource
	permits   PermitLookup
	now       func() time.Time
	log       zerolog.Logger
}

func NewCoordinator(datasets DatasetSource, permits PermitLookup, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		estimator: geometry.NewEstimator(),
		redactor:  redact.NewRedactor(),
		checker:   geo.NewChecker(),
		engine:    rules.NewEngine(),
		datasets:  datasets,
		permits:   permits,
		now:       time.Now,
		log:       log,
	}
}

// Adjudicate runs the pipeline for one report. Structural problems with the
// image, coordinates or detections fail the run with ErrInvalidInput.
// Cancelling ctx after stages have started lets them finish but stops the run
// before classification with ErrCancelled. The returned outcome is never nil.
func (c *Coordinator) Adjudicate(ctx context.Context, report Report, cfg Config) (*Outcome, error) {
	p := &progress{notify: report.OnState}
	out := &Outcome{ReportID: report.ID}
	log := c.log.With().Str("report_id", report.ID).Logger()

	fail := func(state State, err error) (*Outcome, error) {
		p.finish(state)
		out.State = p.State()
		if state == StateFailed {
			log.Warn().Err(err).Msg("adjudication failed")
		} else {
			log.Info().Err(err).Msg("adjudication cancelled")
		}
		return out, err
	}

	if err := ctx.Err(); err != nil {
		return fail(StateCancelled, fmt.Errorf("%w: %v", ErrCancelled, err))
	}

	img, format, err := redact.Decode(report.Image, cfg.Redaction.MaxPixels)
	if err != nil {
		return fail(StateFailed, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	if report.Coordinates != nil && !report.Coordinates.Valid() {
		return fail(StateFailed, fmt.Errorf("%w: malformed coordinates %+v", ErrInvalidInput, *report.Coordinates))
	}
	for i, d := range report.Detections {
		if !d.BBox.Valid() || d.Confidence < 0 || d.Confidence > 1 {
			return fail(StateFailed, fmt.Errorf("%w: malformed detection %d", ErrInvalidInput, i))
		}
	}

	detections, origin := billboard.FilterByConfidence(report.Detections, cfg.Settings.ConfidenceThreshold)
	camera := withImageSize(report.Camera, img.Bounds().Dx(), img.Bounds().Dy())

	ds, dsErr := c.datasets.Current()
	if dsErr == nil {
		out.DatasetVersion = ds.Version()
	}

	log.Debug().
		Str("format", format).
		Int("detections", len(report.Detections)).
		Int("kept", len(detections)).
		Str("dataset", out.DatasetVersion).
		Msg("report received")

	// Started stages run to completion regardless of cancellation; only
	// their own timeouts stop them.
	stageCtx := context.WithoutCancel(ctx)
	s := cfg.Settings

	var g errgroup.Group
	g.Go(func() error {
		start := time.Now()
		dim, err := runStage(stageCtx, s.GeometryTimeout, func(context.Context) (billboard.DimensionEstimate, error) {
			idx := geometry.PrimaryBillboard(detections)
			if idx < 0 {
				return billboard.IndeterminateDimension(billboard.ReasonNoBillboard), nil
			}
			est, err := c.estimator.Estimate(detections[idx], camera, cfg.Geometry)
			est.DetectionIndex = origin[idx]
			return est, err
		})
		switch {
		case errors.Is(err, ErrTimeoutExceeded):
			dim = billboard.IndeterminateDimension(billboard.ReasonStageTimeout)
		case err != nil:
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		out.Dimension = dim
		p.complete(stageDimension)
		log.Debug().Dur("took", time.Since(start)).Bool("indeterminate", dim.Indeterminate).Msg("dimensioned")
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		type redacted struct {
			png  []byte
			mask billboard.RedactionMask
		}
		res, err := runStage(stageCtx, s.RedactionTimeout, func(context.Context) (redacted, error) {
			rgba, mask := c.redactor.Redact(img, detections, cfg.Redaction)
			data, err := redact.Encode(rgba)
			return redacted{png: data, mask: mask}, err
		})
		if err != nil {
			// No unredacted image may leave the pipeline, so redaction
			// problems are fatal.
			return fmt.Errorf("redaction: %w", err)
		}
		out.RedactedImage, out.Mask = res.png, res.mask
		p.complete(stageRedaction)
		log.Debug().Dur("took", time.Since(start)).Int("regions", len(res.mask.Regions)).Msg("redacted")
		return nil
	})
	g.Go(func() error {
		if dsErr != nil {
			out.Geo = billboard.OutOfCoverage(report.Coordinates, billboard.ReasonNoDataset, "")
			p.complete(stageGeo)
			log.Warn().Err(dsErr).Msg("no geo dataset, placement and zoning indeterminate")
			return nil
		}
		gc, err := runStage(stageCtx, s.GeoTimeout, func(context.Context) (billboard.GeoContext, error) {
			return c.checker.Evaluate(ds, report.Coordinates), nil
		})
		if err != nil {
			gc = billboard.OutOfCoverage(report.Coordinates, billboard.ReasonStageTimeout, ds.Version())
		}
		out.Geo = gc
		p.complete(stageGeo)
		log.Debug().Bool("out_of_coverage", gc.OutOfCoverage).Str("zone", gc.ZoneID).Msg("geo checked")
		return nil
	})
	g.Go(func() error {
		permit, err := runStage(stageCtx, s.PermitTimeout, func(ctx context.Context) (billboard.PermitRecord, error) {
			return c.lookupPermit(ctx, report.LicenseID, report.Coordinates, s, log), nil
		})
		if err != nil {
			permit = billboard.PermitRecord{LicenseID: report.LicenseID, Status: billboard.LookupError, Detail: err.Error()}
		}
		out.Permit = permit
		p.complete(stagePermit)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fail(StateFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(StateCancelled, fmt.Errorf("%w: %v", ErrCancelled, err))
	}

	entries := c.engine.Classify(out.Dimension, out.Geo, out.Permit, cfg.Rules)
	p.classify()

	record, err := billboard.NewRecord(uuid.NewString(), report.ID, out.DatasetVersion, c.now(), entries)
	if err != nil {
		return fail(StateFailed, err)
	}
	out.Record = record
	p.finish(StateFinalized)
	out.State = p.State()

	ev := log.Info().Str("record_id", record.ID()).Bool("violation", record.HasViolation())
	for _, e := range entries {
		ev = ev.Str(string(e.Kind), string(e.Verdict))
	}
	ev.Msg("adjudication finalized")

	return out, nil
}

func (c *Coordinator) lookupPermit(ctx context.Context, licenseID string, at *billboard.Coordinates, s Settings, log zerolog.Logger) billboard.PermitRecord {
	if licenseID == "" {
		return billboard.PermitRecord{Status: billboard.LookupNotFound, Detail: "no license id on report"}
	}
	if c.permits == nil {
		return billboard.PermitRecord{LicenseID: licenseID, Status: billboard.LookupError, Detail: "no permit registry configured"}
	}

	var lastErr error
	for attempt := 0; attempt <= s.LookupRetries; attempt++ {
		if attempt > 0 {
			backoff := s.LookupBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = s.LookupRetries + 1
				continue
			}
		}
		rec, err := c.permits.LookupPermit(ctx, licenseID, at)
		if err == nil {
			return rec
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).Str("license_id", licenseID).Msg("permit lookup failed")
	}

	return billboard.PermitRecord{
		LicenseID: licenseID,
		Status:    billboard.LookupError,
		Detail:    fmt.Errorf("%w: %v", ErrExternalLookup, lastErr).Error(),
	}
}

// runStage runs fn with its own timeout. On timeout the caller gets
// ErrTimeoutExceeded immediately; fn keeps running in the background and its
// result is discarded.
func runStage[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(sctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-sctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrTimeoutExceeded, sctx.Err())
	}
}

func withImageSize(camera *billboard.CameraContext, width, height int) *billboard.CameraContext {
	if camera == nil {
		return nil
	}
	cp := *camera
	if cp.ImageWidthPx <= 0 || cp.ImageHeightPx <= 0 {
		cp.ImageWidthPx, cp.ImageHeightPx = width, height
	}
	return &cp
}
