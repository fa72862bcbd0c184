package geo

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billboard-sentinel/internal/domain/billboard"
)

func loadTestdata(t *testing.T) *Dataset {
	t.Helper()
	ds, err := LoadFiles(Config{
		JunctionsPath: filepath.Join("testdata", "junctions.geojson"),
		ZoningPath:    filepath.Join("testdata", "zoning.geojson"),
	})
	require.NoError(t, err)
	return ds
}

func coords(lat, lon float64) *billboard.Coordinates {
	return &billboard.Coordinates{Lat: lat, Lon: lon}
}

func TestLoad_ParsesBothCollections(t *testing.T) {
	ds := loadTestdata(t)
	assert.Equal(t, "junctions-2026.1+zoning-2026.1", ds.Version())
	assert.Equal(t, 3, ds.JunctionCount())
	assert.Equal(t, 2, ds.ZoneCount())
	assert.InDelta(t, 30.345, ds.Coverage().MinLat, 1e-9)
}

func TestLoad_HashVersionAndExtentWhenUnset(t *testing.T) {
	junctions := `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[10,20]},"properties":{}}]}`
	zoning := `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[9,19],[11,19],[11,21],[9,19]]]},"properties":{"zone_type":"Residential","authorized":true}}]}`

	ds, err := Load(strings.NewReader(junctions), strings.NewReader(zoning))
	require.NoError(t, err)
	assert.Len(t, ds.Version(), 25)
	assert.Equal(t, Bounds{MinLat: 19, MinLon: 9, MaxLat: 21, MaxLon: 11}, ds.Coverage())

	j, _, ok := ds.NearestJunction(billboard.Coordinates{Lat: 20, Lon: 10})
	require.True(t, ok)
	assert.Equal(t, "junction-0", j.ID)
}

func TestLoad_RejectsWrongType(t *testing.T) {
	_, err := Load(strings.NewReader(`{"type":"Feature"}`), strings.NewReader(`{"type":"FeatureCollection"}`))
	assert.ErrorIs(t, err, ErrInvalidDataset)
}

func TestLoad_MultiPolygonZoneWithHole(t *testing.T) {
	junctions := `{"type":"FeatureCollection","version":"j1","features":[]}`
	zoning := `{"type":"FeatureCollection","version":"z1","bbox":[0,0,10,10],"features":[
		{"type":"Feature","geometry":{"type":"MultiPolygon","coordinates":[
			[[[0,0],[4,0],[4,4],[0,4],[0,0]],[[1,1],[3,1],[3,3],[1,3],[1,1]]],
			[[[6,6],[8,6],[8,8],[6,8],[6,6]]]
		]},"properties":{"id":"market","zone_type":"commercial","authorized":true}}]}`

	ds, err := Load(strings.NewReader(junctions), strings.NewReader(zoning))
	require.NoError(t, err)
	assert.Equal(t, "j1+z1", ds.Version())

	z, ok := ds.ZoneAt(billboard.Coordinates{Lat: 0.5, Lon: 0.5})
	require.True(t, ok)
	assert.Equal(t, "market", z.ID)

	_, ok = ds.ZoneAt(billboard.Coordinates{Lat: 2, Lon: 2})
	assert.False(t, ok, "point inside the hole")

	_, ok = ds.ZoneAt(billboard.Coordinates{Lat: 7, Lon: 7})
	assert.True(t, ok, "point in the second polygon")
}

func TestLoad_NoCoverage(t *testing.T) {
	empty := `{"type":"FeatureCollection","features":[]}`
	_, err := Load(strings.NewReader(empty), strings.NewReader(empty))
	assert.ErrorIs(t, err, ErrInvalidDataset)
}

func TestNewDataset_RejectsJunctionWithoutID(t *testing.T) {
	_, err := NewDataset("v", Bounds{MinLat: 29, MinLon: 75, MaxLat: 32, MaxLon: 78}, []Junction{
		{ID: "j-1", Lat: 30.1, Lon: 76.1},
		{ID: "", Lat: 30.2, Lon: 76.2},
	}, nil)
	assert.ErrorIs(t, err, ErrInvalidDataset)
	assert.ErrorContains(t, err, "junction 1 has no id")
}

func TestLoad_JunctionIDFallsBackToPosition(t *testing.T) {
	junctions := `{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"Point","coordinates":[10,20]},"properties":{"id":""}},
		{"type":"Feature","geometry":{"type":"Point","coordinates":[10.5,20.5]},"properties":{"id":7}}]}`
	zoning := `{"type":"FeatureCollection","bbox":[9,19,11,21],"features":[]}`

	ds, err := Load(strings.NewReader(junctions), strings.NewReader(zoning))
	require.NoError(t, err)

	j, _, ok := ds.NearestJunction(billboard.Coordinates{Lat: 20, Lon: 10})
	require.True(t, ok)
	assert.Equal(t, "junction-0", j.ID)
	j, _, ok = ds.NearestJunction(billboard.Coordinates{Lat: 20.5, Lon: 10.5})
	require.True(t, ok)
	assert.Equal(t, "7", j.ID)

	gc := NewChecker().Evaluate(ds, coords(20, 10))
	assert.NotEmpty(t, gc.NearestJunction)
}

func TestNearestJunction_MatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	junctions := make([]Junction, 500)
	for i := range junctions {
		junctions[i] = Junction{ID: fmt.Sprintf("j-%d", i), Lat: 30 + rng.Float64(), Lon: 76 + rng.Float64()}
	}
	ds, err := NewDataset("v", Bounds{MinLat: 29, MinLon: 75, MaxLat: 32, MaxLon: 78}, junctions, nil)
	require.NoError(t, err)

	for n := 0; n < 200; n++ {
		q := billboard.Coordinates{Lat: 30 + rng.Float64(), Lon: 76 + rng.Float64()}
		best := math.Inf(1)
		for _, j := range junctions {
			best = math.Min(best, Haversine(q.Lat, q.Lon, j.Lat, j.Lon))
		}
		_, got, ok := ds.NearestJunction(q)
		require.True(t, ok)
		assert.InDelta(t, best, got, 1e-6)
	}
}

func TestChecker_NoGPS(t *testing.T) {
	gc := NewChecker().Evaluate(loadTestdata(t), nil)
	assert.True(t, gc.OutOfCoverage)
	assert.Equal(t, billboard.ReasonNoGPS, gc.Reason)
}

func TestChecker_OutOfCoverage(t *testing.T) {
	gc := NewChecker().Evaluate(loadTestdata(t), coords(28.7041, 77.1025))
	assert.True(t, gc.OutOfCoverage)
	assert.Equal(t, billboard.ReasonOutOfCoverage, gc.Reason)
}

func TestChecker_ProhibitedZoneNearJunction(t *testing.T) {
	gc := NewChecker().Evaluate(loadTestdata(t), coords(30.3550, 76.3630))
	assert.False(t, gc.OutOfCoverage)
	assert.Equal(t, "school_buffer_001", gc.ZoneID)
	assert.Equal(t, billboard.ZoneSchool, gc.ZoneType)
	assert.False(t, gc.ZoneAuthorized)
	assert.Equal(t, "j-sector17", gc.NearestJunction)
	assert.Greater(t, gc.NearestJunctionDistanceM, 150.0)
	assert.Less(t, gc.NearestJunctionDistanceM, 250.0)
}

func TestChecker_AuthorizedAndUnknownZones(t *testing.T) {
	ds := loadTestdata(t)

	gc := NewChecker().Evaluate(ds, coords(30.3650, 76.3730))
	assert.Equal(t, billboard.ZoneCommercial, gc.ZoneType)
	assert.True(t, gc.ZoneAuthorized)

	gc = NewChecker().Evaluate(ds, coords(30.3600, 76.3550))
	assert.False(t, gc.OutOfCoverage)
	assert.Equal(t, billboard.ZoneUnknown, gc.ZoneType)
}

func TestZoneAt_ProhibitedWinsOverlap(t *testing.T) {
	square := orb.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}}
	ds, err := NewDataset("v", Bounds{MinLat: -1, MinLon: -1, MaxLat: 2, MaxLon: 2}, nil, []Zone{
		{ID: "a", Type: billboard.ZoneCommercial, Authorized: true, Shape: square},
		{ID: "b", Type: billboard.ZoneHospital, Authorized: false, Shape: square},
	})
	require.NoError(t, err)

	z, ok := ds.ZoneAt(billboard.Coordinates{Lat: 0.5, Lon: 0.5})
	require.True(t, ok)
	assert.Equal(t, "b", z.ID)

	_, _, ok = ds.NearestJunction(billboard.Coordinates{Lat: 0.5, Lon: 0.5})
	assert.False(t, ok)
}

func TestStore_PinnedSnapshotSurvivesSwap(t *testing.T) {
	store := NewStore(zerolog.Nop())
	_, err := store.Current()
	assert.ErrorIs(t, err, ErrNoDataset)

	first := loadTestdata(t)
	store.Swap(first)
	pinned, err := store.Current()
	require.NoError(t, err)

	second, err := NewDataset("other", first.Coverage(), nil, nil)
	require.NoError(t, err)
	prev := store.Swap(second)

	assert.Same(t, first, prev)
	assert.Equal(t, "junctions-2026.1+zoning-2026.1", pinned.Version())
	gc := NewChecker().Evaluate(pinned, coords(30.3650, 76.3730))
	assert.Equal(t, pinned.Version(), gc.DatasetVersion)

	cur, _ := store.Current()
	assert.Equal(t, "other", cur.Version())
}

func TestNewDataset_RejectsDegenerateZone(t *testing.T) {
	line := orb.MultiPolygon{{{{0, 0}, {1, 1}}}}
	_, err := NewDataset("v", Bounds{MaxLat: 1, MaxLon: 1}, nil, []Zone{{ID: "thin", Shape: line}})
	assert.ErrorIs(t, err, ErrInvalidDataset)

	_, err = NewDataset("v", Bounds{MaxLat: 1, MaxLon: 1}, nil, []Zone{{ID: "none"}})
	assert.ErrorIs(t, err, ErrInvalidDataset)
}

func TestHaversine(t *testing.T) {
	d := Haversine(30.7333, 76.7794, 28.7041, 77.1025)
	assert.Greater(t, d, 225000.0)
	assert.Less(t, d, 275000.0)
}
