// Package detector talks to the external object detection service.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"billboard-sentinel/internal/domain/billboard"
)

var ErrUnavailable = errors.New("detector unavailable")

// Detector returns the detections found in an encoded image.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]billboard.Detection, error)
}

// FaceLocator finds faces only. Detectors that also implement it are asked
// separately so face models can be swapped independently.
type FaceLocator interface {
	LocateFaces(ctx context.Context, image []byte) ([]billboard.Detection, error)
}

// Client posts images as multipart uploads to an inference endpoint that
// answers with pixel boxes.
type Client struct {
	inferenceURL string
	http         *http.Client
	log          zerolog.Logger
}

func NewClient(inferenceURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		inferenceURL: strings.TrimRight(inferenceURL, "/"),
		http:         &http.Client{Timeout: timeout},
		log:          log,
	}
}

type inferenceBox struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

type inferenceResponse struct {
	ImageWidth  int            `json:"image_width"`
	ImageHeight int            `json:"image_height"`
	Detections  []inferenceBox `json:"detections"`
}

func (c *Client) Detect(ctx context.Context, image []byte) ([]billboard.Detection, error) {
	return c.predict(ctx, image, "")
}

func (c *Client) LocateFaces(ctx context.Context, image []byte) ([]billboard.Detection, error) {
	return c.predict(ctx, image, string(billboard.ClassFace))
}

func (c *Client) predict(ctx context.Context, image []byte, classes string) ([]billboard.Detection, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "image")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(image)); err != nil {
		return nil, fmt.Errorf("copy image data: %w", err)
	}
	if classes != "" {
		if err := writer.WriteField("classes", classes); err != nil {
			return nil, fmt.Errorf("write classes field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.inferenceURL+"/predict", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: inference failed with status %d", ErrUnavailable, resp.StatusCode)
	}

	var result inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	dets, err := result.normalize()
	if err != nil {
		return nil, err
	}
	c.log.Debug().Dur("took", time.Since(start)).Int("detections", len(dets)).Msg("detector answered")
	return dets, nil
}

// normalize converts pixel boxes to normalized ones, clamping to the frame
// and dropping classes the pipeline does not use.
func (r inferenceResponse) normalize() ([]billboard.Detection, error) {
	if r.ImageWidth <= 0 || r.ImageHeight <= 0 {
		return nil, fmt.Errorf("detector response without image size")
	}
	w, h := float64(r.ImageWidth), float64(r.ImageHeight)
	out := make([]billboard.Detection, 0, len(r.Detections))
	for _, b := range r.Detections {
		class, ok := mapClass(b.Class)
		if !ok {
			continue
		}
		box := billboard.BoundingBox{
			X1: clamp01(b.X / w),
			Y1: clamp01(b.Y / h),
			X2: clamp01((b.X + b.Width) / w),
			Y2: clamp01((b.Y + b.Height) / h),
		}
		if !box.Valid() {
			continue
		}
		out = append(out, billboard.Detection{Class: class, BBox: box, Confidence: clamp01(b.Confidence)})
	}
	return out, nil
}

func mapClass(s string) (billboard.DetectionClass, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "billboard", "hoarding", "signboard":
		return billboard.ClassBillboard, true
	case "license_plate", "licence_plate", "plate", "number_plate":
		return billboard.ClassLicensePlate, true
	case "face", "person_face":
		return billboard.ClassFace, true
	}
	return "", false
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// CheckHealth reports whether the inference service answers its health endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.inferenceURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
