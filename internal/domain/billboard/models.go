package billboard

import (
	"image"
	"math"
)

type DetectionClass string

const (
	ClassBillboard    DetectionClass = "billboard"
	ClassLicensePlate DetectionClass = "license_plate"
	ClassFace         DetectionClass = "face"
)

// BoundingBox is expressed in normalized image coordinates, 0..1 on both axes.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BoundingBox) Valid() bool {
	for _, v := range []float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return false
		}
	}
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

func (b BoundingBox) Width() float64  { return b.X2 - b.X1 }
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }
func (b BoundingBox) Area() float64   { return b.Width() * b.Height() }

// Pixels maps the box onto an image of the given size. The result always
// covers every pixel the normalized box touches.
func (b BoundingBox) Pixels(width, height int) image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X1*float64(width))),
		int(math.Floor(b.Y1*float64(height))),
		int(math.Ceil(b.X2*float64(width))),
		int(math.Ceil(b.Y2*float64(height))),
	)
}

type Detection struct {
	Class      DetectionClass `json:"class"`
	BBox       BoundingBox    `json:"bbox"`
	Confidence float64        `json:"confidence"`
}

// FilterByConfidence drops detections below threshold. The second result
// maps each kept detection back to its position in the input, which is how
// evidence refers to it. The input slice is not modified.
func FilterByConfidence(detections []Detection, threshold float64) ([]Detection, []int) {
	kept := make([]Detection, 0, len(detections))
	origin := make([]int, 0, len(detections))
	for i, d := range detections {
		if d.Confidence < threshold {
			continue
		}
		kept = append(kept, d)
		origin = append(origin, i)
	}
	return kept, origin
}

// ReferenceObject is an object of known physical height visible in the frame.
type ReferenceObject struct {
	BBox        BoundingBox `json:"bbox"`
	RealHeightM float64     `json:"real_height_m"`
}

type CameraContext struct {
	FocalLengthPx      float64          `json:"focal_length_px,omitempty"`
	FocalLengthMM      float64          `json:"focal_length_mm,omitempty"`
	SensorWidthMM      float64          `json:"sensor_width_mm,omitempty"`
	HorizontalFOVDeg   float64          `json:"horizontal_fov_deg,omitempty"`
	ImageWidthPx       int              `json:"image_width_px,omitempty"`
	ImageHeightPx      int              `json:"image_height_px,omitempty"`
	ReferenceDistanceM *float64         `json:"reference_distance_m,omitempty"`
	Reference          *ReferenceObject `json:"reference,omitempty"`
}

type DimensionEstimate struct {
	DetectionIndex int        `json:"detection_index"`
	WidthM         float64    `json:"width_m"`
	HeightM        float64    `json:"height_m"`
	DistanceM      float64    `json:"distance_m"`
	ErrorBoundM    float64    `json:"error_bound_m"`
	DistanceSource string     `json:"distance_source,omitempty"`
	Indeterminate  bool       `json:"indeterminate"`
	Reason         ReasonCode `json:"reason,omitempty"`
}

func IndeterminateDimension(reason ReasonCode) DimensionEstimate {
	return DimensionEstimate{DetectionIndex: -1, Indeterminate: true, Reason: reason}
}

func (d DimensionEstimate) AreaM2() float64 { return d.WidthM * d.HeightM }

// AreaRange applies the symmetric error bound to both edges.
func (d DimensionEstimate) AreaRange() (lo, hi float64) {
	w0, h0 := math.Max(0, d.WidthM-d.ErrorBoundM), math.Max(0, d.HeightM-d.ErrorBoundM)
	return w0 * h0, (d.WidthM + d.ErrorBoundM) * (d.HeightM + d.ErrorBoundM)
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type ZoneType string

const (
	ZoneUnknown     ZoneType = ""
	ZoneCommercial  ZoneType = "commercial"
	ZoneResidential ZoneType = "residential"
	ZoneHeritage    ZoneType = "heritage"
	ZoneSchool      ZoneType = "school"
	ZoneHospital    ZoneType = "hospital"
)

type GeoContext struct {
	Coordinates              *Coordinates `json:"coordinates,omitempty"`
	NearestJunction          string       `json:"nearest_junction,omitempty"`
	NearestJunctionDistanceM float64      `json:"nearest_junction_distance_m"`
	ZoneID                   string       `json:"zone_id,omitempty"`
	ZoneType                 ZoneType     `json:"zone_type,omitempty"`
	ZoneAuthorized           bool         `json:"zone_authorized"`
	OutOfCoverage            bool         `json:"out_of_coverage"`
	Reason                   ReasonCode   `json:"reason,omitempty"`
	DatasetVersion           string       `json:"dataset_version,omitempty"`
}

func OutOfCoverage(coords *Coordinates, reason ReasonCode, version string) GeoContext {
	return GeoContext{Coordinates: coords, OutOfCoverage: true, Reason: reason, DatasetVersion: version}
}

type LookupStatus string

const (
	LookupFound    LookupStatus = "found"
	LookupNotFound LookupStatus = "not_found"
	LookupError    LookupStatus = "error"
)

// PermitRecord is the result of a registry lookup. Valid and LocationMatch
// are nil when unknown.
type PermitRecord struct {
	LicenseID               string       `json:"license_id,omitempty"`
	Status                  LookupStatus `json:"status"`
	Valid                   *bool        `json:"valid,omitempty"`
	LocationMatch           *bool        `json:"location_match,omitempty"`
	DistanceFromRegisteredM *float64     `json:"distance_from_registered_m,omitempty"`
	Detail                  string       `json:"detail,omitempty"`
}

type Region struct {
	Class DetectionClass `json:"class"`
	X0    int            `json:"x0"`
	Y0    int            `json:"y0"`
	X1    int            `json:"x1"`
	Y1    int            `json:"y1"`
}

func RegionFromRect(class DetectionClass, r image.Rectangle) Region {
	return Region{Class: class, X0: r.Min.X, Y0: r.Min.Y, X1: r.Max.X, Y1: r.Max.Y}
}

func (r Region) Rect() image.Rectangle { return image.Rect(r.X0, r.Y0, r.X1, r.Y1) }

type RedactionMask struct {
	Regions   []Region `json:"regions"`
	Algorithm string   `json:"algorithm"`
	Version   string   `json:"version"`
	BlockSize int      `json:"block_size"`
}

func (m RedactionMask) Empty() bool { return len(m.Regions) == 0 }
