package billboard

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passEntries() []ViolationEntry {
	return []ViolationEntry{
		{Kind: KindSize, Verdict: VerdictPass, Severity: SeverityNone},
		{Kind: KindPlacement, Verdict: VerdictPass, Severity: SeverityNone},
		{Kind: KindLicense, Verdict: VerdictPass, Severity: SeverityNone},
		{Kind: KindZoning, Verdict: VerdictPass, Severity: SeverityNone},
	}
}

func TestNewRecord_AcceptsCanonicalOrder(t *testing.T) {
	rec, err := NewRecord("rec-1", "rep-1", "v1", time.Now(), passEntries())
	require.NoError(t, err)
	assert.Len(t, rec.Entries(), 4)
	assert.False(t, rec.HasViolation())
}

func TestNewRecord_RejectsDuplicateKind(t *testing.T) {
	entries := passEntries()
	entries[1].Kind = KindSize

	_, err := NewRecord("rec-1", "rep-1", "v1", time.Now(), entries)
	assert.ErrorIs(t, err, ErrRecordInvariant)
}

func TestNewRecord_RejectsMissingKind(t *testing.T) {
	_, err := NewRecord("rec-1", "rep-1", "v1", time.Now(), passEntries()[:3])
	assert.ErrorIs(t, err, ErrRecordInvariant)
}

func TestNewRecord_FailNeedsEvidence(t *testing.T) {
	entries := passEntries()
	entries[0].Verdict = VerdictFail
	entries[0].Severity = SeverityMajor

	_, err := NewRecord("rec-1", "rep-1", "v1", time.Now(), entries)
	assert.ErrorIs(t, err, ErrRecordInvariant)

	entries[0].Evidence = []EvidenceRef{{Entity: "dimension", Ref: "0"}}
	rec, err := NewRecord("rec-1", "rep-1", "v1", time.Now(), entries)
	require.NoError(t, err)
	assert.True(t, rec.HasViolation())
}

func TestNewRecord_IndeterminateNeedsReason(t *testing.T) {
	entries := passEntries()
	entries[1].Verdict = VerdictIndeterminate

	_, err := NewRecord("rec-1", "rep-1", "v1", time.Now(), entries)
	assert.ErrorIs(t, err, ErrRecordInvariant)

	entries[1].Reason = ReasonNoGPS
	_, err = NewRecord("rec-1", "rep-1", "v1", time.Now(), entries)
	assert.NoError(t, err)
}

func TestRecord_EntriesAreCopies(t *testing.T) {
	entries := passEntries()
	entries[0] = ViolationEntry{
		Kind: KindSize, Verdict: VerdictFail, Severity: SeverityMajor,
		Evidence: []EvidenceRef{{Entity: "dimension", Ref: "0"}},
	}
	rec, err := NewRecord("rec-1", "rep-1", "v1", time.Now(), entries)
	require.NoError(t, err)

	entries[0].Verdict = VerdictPass
	got := rec.Entries()
	got[0].Evidence[0].Ref = "tampered"

	size, ok := rec.Entry(KindSize)
	require.True(t, ok)
	assert.Equal(t, VerdictFail, size.Verdict)
	assert.Equal(t, "0", size.Evidence[0].Ref)
}

func TestRecord_JSONRoundTripKeepsInvariants(t *testing.T) {
	rec, err := NewRecord("rec-1", "rep-1", "v1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), passEntries())
	require.NoError(t, err)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	back, err := UnmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec.Entries(), back.Entries())
	assert.Equal(t, "rep-1", back.ReportID())

	_, err = UnmarshalRecord([]byte(`{"id":"x","entries":[]}`))
	assert.ErrorIs(t, err, ErrRecordInvariant)
}

func TestFilterByConfidence(t *testing.T) {
	dets := []Detection{
		{Class: ClassBillboard, Confidence: 0.9},
		{Class: ClassLicensePlate, Confidence: 0.2},
		{Class: ClassBillboard, Confidence: 0.5},
	}
	kept, origin := FilterByConfidence(dets, 0.5)
	assert.Len(t, kept, 2)
	assert.Equal(t, []int{0, 2}, origin)
	for i, d := range kept {
		assert.GreaterOrEqual(t, d.Confidence, 0.5)
		assert.Equal(t, dets[origin[i]], d)
	}
}

func TestBoundingBox(t *testing.T) {
	assert.True(t, BoundingBox{X1: 0.1, Y1: 0.1, X2: 0.5, Y2: 0.3}.Valid())
	assert.False(t, BoundingBox{X1: 0.5, Y1: 0.1, X2: 0.1, Y2: 0.3}.Valid())
	assert.False(t, BoundingBox{X1: -0.1, Y1: 0.1, X2: 0.5, Y2: 0.3}.Valid())

	r := BoundingBox{X1: 0.25, Y1: 0.5, X2: 0.5, Y2: 0.75}.Pixels(100, 40)
	assert.Equal(t, 25, r.Min.X)
	assert.Equal(t, 20, r.Min.Y)
	assert.Equal(t, 50, r.Max.X)
	assert.Equal(t, 30, r.Max.Y)
}

func TestCoordinatesValid(t *testing.T) {
	assert.True(t, Coordinates{Lat: 30.35, Lon: 76.36}.Valid())
	assert.False(t, Coordinates{Lat: 91, Lon: 0}.Valid())
	assert.False(t, Coordinates{Lat: 0, Lon: -181}.Valid())
}
