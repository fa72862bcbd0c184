package rules

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billboard-sentinel/internal/domain/billboard"
)

func boolPtr(v bool) *bool { return &v }

func dimension(w, h, bound float64) billboard.DimensionEstimate {
	return billboard.DimensionEstimate{WidthM: w, HeightM: h, DistanceM: 18, ErrorBoundM: bound, DistanceSource: "declared_distance"}
}

func geoAt(distance float64) billboard.GeoContext {
	return billboard.GeoContext{
		Coordinates:              &billboard.Coordinates{Lat: 30.365, Lon: 76.373},
		NearestJunction:          "j-sector17",
		NearestJunctionDistanceM: distance,
		ZoneID:                   "commercial_zone_001",
		ZoneType:                 billboard.ZoneCommercial,
		ZoneAuthorized:           true,
		DatasetVersion:           "v1",
	}
}

func validPermit() billboard.PermitRecord {
	return billboard.PermitRecord{LicenseID: "LIC-CHD-001", Status: billboard.LookupFound, Valid: boolPtr(true), LocationMatch: boolPtr(true)}
}

func verdicts(entries []billboard.ViolationEntry) map[billboard.Kind]billboard.Verdict {
	out := make(map[billboard.Kind]billboard.Verdict, len(entries))
	for _, e := range entries {
		out[e.Kind] = e.Verdict
	}
	return out
}

func TestClassify_OversizedBillboardOnlyFailsSize(t *testing.T) {
	entries := NewEngine().Classify(dimension(13, 4, 0), geoAt(80), validPermit(), DefaultConfig())

	require.Len(t, entries, 4)
	assert.Equal(t, map[billboard.Kind]billboard.Verdict{
		billboard.KindSize:      billboard.VerdictFail,
		billboard.KindPlacement: billboard.VerdictPass,
		billboard.KindLicense:   billboard.VerdictPass,
		billboard.KindZoning:    billboard.VerdictPass,
	}, verdicts(entries))
	assert.Equal(t, billboard.SeverityMajor, entries[0].Severity)
	assert.NotEmpty(t, entries[0].Evidence)
	assert.Contains(t, entries[0].Message, "52.0m²")
}

func TestClassify_MissingGPS(t *testing.T) {
	geo := billboard.OutOfCoverage(nil, billboard.ReasonNoGPS, "v1")
	entries := NewEngine().Classify(dimension(8, 3, 0.5), geo, validPermit(), DefaultConfig())

	assert.Equal(t, billboard.VerdictPass, entries[0].Verdict)
	assert.Equal(t, billboard.VerdictIndeterminate, entries[1].Verdict)
	assert.Equal(t, billboard.ReasonNoGPS, entries[1].Reason)
	assert.Equal(t, billboard.VerdictPass, entries[2].Verdict)
	assert.Equal(t, billboard.VerdictIndeterminate, entries[3].Verdict)
}

func TestClassify_FixedOrderAndDeterministic(t *testing.T) {
	engine := NewEngine()
	cfg := DefaultConfig()
	first := engine.Classify(dimension(12.5, 4, 1.4), geoAt(20), billboard.PermitRecord{Status: billboard.LookupNotFound, LicenseID: "X"}, cfg)

	for i := 0; i < 50; i++ {
		again := engine.Classify(dimension(12.5, 4, 1.4), geoAt(20), billboard.PermitRecord{Status: billboard.LookupNotFound, LicenseID: "X"}, cfg)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("classification changed (-first +again):\n%s", diff)
		}
	}
	for i, kind := range billboard.Kinds {
		assert.Equal(t, kind, first[i].Kind)
	}
}

func TestClassify_EntriesSatisfyRecordInvariants(t *testing.T) {
	cases := []struct {
		dim    billboard.DimensionEstimate
		geo    billboard.GeoContext
		permit billboard.PermitRecord
	}{
		{dimension(20, 6, 2), geoAt(10), billboard.PermitRecord{}},
		{billboard.IndeterminateDimension(billboard.ReasonNoCameraContext), billboard.OutOfCoverage(nil, billboard.ReasonNoGPS, "v"), billboard.PermitRecord{Status: billboard.LookupError}},
		{dimension(5, 2, 0.5), geoAt(500), validPermit()},
	}
	for _, tc := range cases {
		entries := NewEngine().Classify(tc.dim, tc.geo, tc.permit, DefaultConfig())
		_, err := billboard.NewRecord("r", "rep", "v", testTime, entries)
		assert.NoError(t, err)
	}
}

func TestSize_Policies(t *testing.T) {
	// 12.5 x 4 = 50m², bound 1 gives range 34.5..67.5 which straddles 48.
	dim := dimension(12.5, 4, 1)

	cfg := DefaultConfig()
	e := Size(dim, cfg)
	assert.Equal(t, billboard.VerdictFail, e.Verdict)
	assert.Equal(t, billboard.SeverityMinor, e.Severity)

	cfg.SizePolicy = PolicyLower
	e = Size(dim, cfg)
	assert.Equal(t, billboard.VerdictPass, e.Verdict)
	assert.Equal(t, billboard.SeverityNone, e.Severity)

	cfg.SizePolicy = PolicyUpper
	e = Size(dimension(11, 4, 1), cfg)
	assert.Equal(t, billboard.VerdictFail, e.Verdict)
	assert.Equal(t, billboard.SeverityMinor, e.Severity)

	e = Size(dimension(20, 6, 0.5), cfg)
	assert.Equal(t, billboard.SeverityMajor, e.Severity)
}

func TestSize_Indeterminate(t *testing.T) {
	e := Size(billboard.IndeterminateDimension(billboard.ReasonNoDistanceSource), DefaultConfig())
	assert.Equal(t, billboard.VerdictIndeterminate, e.Verdict)
	assert.Equal(t, billboard.ReasonNoDistanceSource, e.Reason)
}

func TestPlacement(t *testing.T) {
	cfg := DefaultConfig()

	e := Placement(geoAt(41), cfg)
	assert.Equal(t, billboard.VerdictFail, e.Verdict)
	assert.Equal(t, "junction:j-sector17", e.Evidence[0].Ref)

	assert.Equal(t, billboard.VerdictPass, Placement(geoAt(50), cfg).Verdict)

	e = Placement(billboard.OutOfCoverage(&billboard.Coordinates{Lat: 1, Lon: 1}, billboard.ReasonOutOfCoverage, "v"), cfg)
	assert.Equal(t, billboard.VerdictIndeterminate, e.Verdict)
	assert.Equal(t, billboard.ReasonOutOfCoverage, e.Reason)

	noJunctions := geoAt(0)
	noJunctions.NearestJunction = ""
	assert.Equal(t, billboard.VerdictPass, Placement(noJunctions, cfg).Verdict)
}

func TestLicense(t *testing.T) {
	cases := []struct {
		name     string
		permit   billboard.PermitRecord
		verdict  billboard.Verdict
		severity billboard.Severity
	}{
		{"valid", validPermit(), billboard.VerdictPass, billboard.SeverityNone},
		{"no license id", billboard.PermitRecord{}, billboard.VerdictFail, billboard.SeverityMajor},
		{"not found", billboard.PermitRecord{LicenseID: "LIC-X", Status: billboard.LookupNotFound}, billboard.VerdictFail, billboard.SeverityMajor},
		{"expired", billboard.PermitRecord{LicenseID: "LIC-CHD-004", Status: billboard.LookupFound, Valid: boolPtr(false)}, billboard.VerdictFail, billboard.SeverityMajor},
		{"elsewhere", billboard.PermitRecord{LicenseID: "LIC-CHD-002", Status: billboard.LookupFound, Valid: boolPtr(true), LocationMatch: boolPtr(false)}, billboard.VerdictFail, billboard.SeverityMinor},
		{"lookup failed", billboard.PermitRecord{LicenseID: "LIC-CHD-001", Status: billboard.LookupError}, billboard.VerdictIndeterminate, billboard.SeverityNone},
		{"validity unknown", billboard.PermitRecord{LicenseID: "LIC-CHD-001", Status: billboard.LookupFound}, billboard.VerdictIndeterminate, billboard.SeverityNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := License(tc.permit)
			assert.Equal(t, tc.verdict, e.Verdict)
			assert.Equal(t, tc.severity, e.Severity)
			if e.Verdict == billboard.VerdictFail {
				assert.NotEmpty(t, e.Evidence)
			}
			if e.Verdict == billboard.VerdictIndeterminate {
				assert.NotEmpty(t, e.Reason)
			}
		})
	}
}

func TestZoning(t *testing.T) {
	prohibited := geoAt(100)
	prohibited.ZoneID, prohibited.ZoneType, prohibited.ZoneAuthorized = "school_buffer_001", billboard.ZoneSchool, false
	e := Zoning(prohibited)
	assert.Equal(t, billboard.VerdictFail, e.Verdict)
	assert.Equal(t, "zone:school_buffer_001", e.Evidence[0].Ref)

	unknown := geoAt(100)
	unknown.ZoneType = billboard.ZoneUnknown
	e = Zoning(unknown)
	assert.Equal(t, billboard.VerdictIndeterminate, e.Verdict)
	assert.Equal(t, billboard.ReasonUnknownZone, e.Reason)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.SizePolicy = "median"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.MaxWidthM = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestSummary(t *testing.T) {
	s := NewEngine().Summary(DefaultConfig())
	require.Len(t, s.Rules, 4)
	assert.Equal(t, PolicyPoint, s.SizePolicy)
	assert.Contains(t, s.Rules[0].Threshold, "48.0m²")
}

var testTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
