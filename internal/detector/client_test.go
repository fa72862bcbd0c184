package detector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billboard-sentinel/internal/domain/billboard"
)

func inferenceServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(status)
		case "/predict":
			file, _, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			assert.Equal(t, "img-bytes", string(data))
			if r.FormValue("classes") == "face" {
				_, _ = io.WriteString(w, `{"image_width":100,"image_height":50,"detections":[{"class":"face","x":10,"y":10,"width":5,"height":5,"confidence":0.9}]}`)
				return
			}
			w.WriteHeader(status)
			_, _ = io.WriteString(w, body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_DetectNormalizesBoxes(t *testing.T) {
	srv := inferenceServer(t, http.StatusOK, `{"image_width":200,"image_height":100,"detections":[
		{"class":"Billboard","x":20,"y":10,"width":100,"height":40,"confidence":0.93},
		{"class":"plate","x":180,"y":90,"width":40,"height":20,"confidence":0.7},
		{"class":"car","x":0,"y":0,"width":10,"height":10,"confidence":0.99},
		{"class":"face","x":50,"y":50,"width":0,"height":0,"confidence":0.6}
	]}`)

	dets, err := NewClient(srv.URL, time.Second, zerolog.Nop()).Detect(context.Background(), []byte("img-bytes"))
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, billboard.ClassBillboard, dets[0].Class)
	assert.Equal(t, billboard.BoundingBox{X1: 0.1, Y1: 0.1, X2: 0.6, Y2: 0.5}, dets[0].BBox)
	assert.Equal(t, billboard.ClassLicensePlate, dets[1].Class)
	assert.Equal(t, 1.0, dets[1].BBox.X2)
	assert.Equal(t, 1.0, dets[1].BBox.Y2)
}

func TestClient_LocateFaces(t *testing.T) {
	srv := inferenceServer(t, http.StatusOK, `{}`)

	faces, err := NewClient(srv.URL, time.Second, zerolog.Nop()).LocateFaces(context.Background(), []byte("img-bytes"))
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Equal(t, billboard.ClassFace, faces[0].Class)
}

func TestClient_Errors(t *testing.T) {
	srv := inferenceServer(t, http.StatusBadGateway, `oops`)
	c := NewClient(srv.URL, time.Second, zerolog.Nop())

	_, err := c.Detect(context.Background(), []byte("img-bytes"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, c.CheckHealth(context.Background()), ErrUnavailable)

	missingSize := inferenceServer(t, http.StatusOK, `{"detections":[]}`)
	_, err = NewClient(missingSize.URL, time.Second, zerolog.Nop()).Detect(context.Background(), []byte("img-bytes"))
	assert.Error(t, err)
}

func TestClient_HealthOK(t *testing.T) {
	srv := inferenceServer(t, http.StatusOK, `{}`)
	assert.NoError(t, NewClient(srv.URL+"/", time.Second, zerolog.Nop()).CheckHealth(context.Background()))
}
