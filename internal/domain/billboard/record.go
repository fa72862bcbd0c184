package billboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindSize      Kind = "size"
	KindPlacement Kind = "placement"
	KindLicense   Kind = "license"
	KindZoning    Kind = "zoning"
)

// Kinds is the fixed evaluation order. Records list their entries in this order.
var Kinds = []Kind{KindSize, KindPlacement, KindLicense, KindZoning}

type Severity string

const (
	SeverityNone  Severity = "none"
	SeverityMinor Severity = "minor"
	SeverityMajor Severity = "major"
)

type Verdict string

const (
	VerdictPass          Verdict = "pass"
	VerdictFail          Verdict = "fail"
	VerdictIndeterminate Verdict = "indeterminate"
)

type ReasonCode string

const (
	ReasonNoCameraContext    ReasonCode = "no camera context"
	ReasonNoDistanceSource   ReasonCode = "no distance source"
	ReasonNoBillboard        ReasonCode = "no billboard detected"
	ReasonNoGPS              ReasonCode = "no GPS"
	ReasonOutOfCoverage      ReasonCode = "out of coverage"
	ReasonNoDataset          ReasonCode = "no reference dataset"
	ReasonUnknownZone        ReasonCode = "unknown zone"
	ReasonPermitLookupFailed ReasonCode = "permit lookup failed"
	ReasonPermitValidity     ReasonCode = "permit validity unknown"
	ReasonStageTimeout       ReasonCode = "stage timeout"
)

// EvidenceRef points at the entity a verdict was derived from.
type EvidenceRef struct {
	Entity string `json:"entity"`
	Ref    string `json:"ref"`
	Detail string `json:"detail,omitempty"`
}

type ViolationEntry struct {
	Kind     Kind          `json:"kind"`
	Severity Severity      `json:"severity"`
	Verdict  Verdict       `json:"verdict"`
	Evidence []EvidenceRef `json:"evidence,omitempty"`
	Reason   ReasonCode    `json:"reason,omitempty"`
	Message  string        `json:"message,omitempty"`
}

var ErrRecordInvariant = errors.New("violation record invariant")

// ViolationRecord is immutable once built. Entries are only reachable through
// copies.
type ViolationRecord struct {
	id             string
	reportID       string
	datasetVersion string
	finalizedAt    time.Time
	entries        []ViolationEntry
}

// NewRecord validates the entries and freezes them. Every kind must appear
// exactly once, in evaluation order.
func NewRecord(id, reportID, datasetVersion string, finalizedAt time.Time, entries []ViolationEntry) (*ViolationRecord, error) {
	if len(entries) != len(Kinds) {
		return nil, fmt.Errorf("%w: expected %d entries, got %d", ErrRecordInvariant, len(Kinds), len(entries))
	}
	frozen := make([]ViolationEntry, len(entries))
	for i, e := range entries {
		if e.Kind != Kinds[i] {
			return nil, fmt.Errorf("%w: entry %d is %q, want %q", ErrRecordInvariant, i, e.Kind, Kinds[i])
		}
		if err := e.validate(); err != nil {
			return nil, err
		}
		e.Evidence = append([]EvidenceRef(nil), e.Evidence...)
		frozen[i] = e
	}
	return &ViolationRecord{
		id:             id,
		reportID:       reportID,
		datasetVersion: datasetVersion,
		finalizedAt:    finalizedAt.UTC(),
		entries:        frozen,
	}, nil
}

func (e ViolationEntry) validate() error {
	switch e.Verdict {
	case VerdictFail:
		if len(e.Evidence) == 0 {
			return fmt.Errorf("%w: %s fail without evidence", ErrRecordInvariant, e.Kind)
		}
	case VerdictIndeterminate:
		if e.Reason == "" {
			return fmt.Errorf("%w: %s indeterminate without reason", ErrRecordInvariant, e.Kind)
		}
	case VerdictPass:
	default:
		return fmt.Errorf("%w: %s has unknown verdict %q", ErrRecordInvariant, e.Kind, e.Verdict)
	}
	switch e.Severity {
	case SeverityNone, SeverityMinor, SeverityMajor:
	default:
		return fmt.Errorf("%w: %s has unknown severity %q", ErrRecordInvariant, e.Kind, e.Severity)
	}
	return nil
}

func (r *ViolationRecord) ID() string             { return r.id }
func (r *ViolationRecord) ReportID() string       { return r.reportID }
func (r *ViolationRecord) DatasetVersion() string { return r.datasetVersion }
func (r *ViolationRecord) FinalizedAt() time.Time { return r.finalizedAt }

func (r *ViolationRecord) Entries() []ViolationEntry {
	out := make([]ViolationEntry, len(r.entries))
	for i, e := range r.entries {
		e.Evidence = append([]EvidenceRef(nil), e.Evidence...)
		out[i] = e
	}
	return out
}

func (r *ViolationRecord) Entry(kind Kind) (ViolationEntry, bool) {
	for _, e := range r.entries {
		if e.Kind == kind {
			e.Evidence = append([]EvidenceRef(nil), e.Evidence...)
			return e, true
		}
	}
	return ViolationEntry{}, false
}

// HasViolation reports whether any rule failed.
func (r *ViolationRecord) HasViolation() bool {
	for _, e := range r.entries {
		if e.Verdict == VerdictFail {
			return true
		}
	}
	return false
}

type recordJSON struct {
	ID             string           `json:"id"`
	ReportID       string           `json:"report_id"`
	DatasetVersion string           `json:"dataset_version,omitempty"`
	FinalizedAt    time.Time        `json:"finalized_at"`
	Entries        []ViolationEntry `json:"entries"`
}

func (r *ViolationRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:             r.id,
		ReportID:       r.reportID,
		DatasetVersion: r.datasetVersion,
		FinalizedAt:    r.finalizedAt,
		Entries:        r.entries,
	})
}

// UnmarshalRecord decodes a record and re-checks its invariants.
func UnmarshalRecord(data []byte) (*ViolationRecord, error) {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return NewRecord(raw.ID, raw.ReportID, raw.DatasetVersion, raw.FinalizedAt, raw.Entries)
}
