package rules

import (
	"fmt"

	"billboard-sentinel/internal/domain/billboard"
)

func Size(dim billboard.DimensionEstimate, cfg Config) billboard.ViolationEntry {
	entry := billboard.ViolationEntry{Kind: billboard.KindSize, Severity: billboard.SeverityNone}
	if dim.Indeterminate {
		entry.Verdict = billboard.VerdictIndeterminate
		entry.Reason = dim.Reason
		return entry
	}

	ceiling := cfg.AreaCeilingM2()
	area := dim.AreaM2()
	lo, hi := dim.AreaRange()
	straddles := lo <= ceiling && hi > ceiling

	entry.Evidence = []billboard.EvidenceRef{{
		Entity: "dimension",
		Ref:    fmt.Sprintf("detection:%d", dim.DetectionIndex),
		Detail: fmt.Sprintf("%.1fm x %.1fm ±%.1fm at %.1fm (%s)", dim.WidthM, dim.HeightM, dim.ErrorBoundM, dim.DistanceM, dim.DistanceSource),
	}}

	var fail bool
	switch cfg.SizePolicy {
	case PolicyLower:
		fail = lo > ceiling
	case PolicyUpper:
		fail = hi > ceiling
	default:
		fail = area > ceiling
	}

	if !fail {
		entry.Verdict = billboard.VerdictPass
		entry.Message = fmt.Sprintf("area %.1fm² within %.1fm² ceiling", area, ceiling)
		return entry
	}

	entry.Verdict = billboard.VerdictFail
	entry.Severity = billboard.SeverityMajor
	if straddles {
		entry.Severity = billboard.SeverityMinor
	}
	entry.Message = fmt.Sprintf("area %.1fm² (range %.1f-%.1fm²) exceeds %.1fm² ceiling", area, lo, hi, ceiling)
	return entry
}

func Placement(geo billboard.GeoContext, cfg Config) billboard.ViolationEntry {
	entry := billboard.ViolationEntry{Kind: billboard.KindPlacement, Severity: billboard.SeverityNone}
	if geo.OutOfCoverage {
		entry.Verdict = billboard.VerdictIndeterminate
		entry.Reason = geo.Reason
		return entry
	}
	if geo.NearestJunction == "" {
		entry.Verdict = billboard.VerdictPass
		entry.Message = "no junctions in reference dataset " + geo.DatasetVersion
		return entry
	}

	entry.Evidence = []billboard.EvidenceRef{{
		Entity: "geo",
		Ref:    "junction:" + geo.NearestJunction,
		Detail: fmt.Sprintf("%.0fm away, dataset %s", geo.NearestJunctionDistanceM, geo.DatasetVersion),
	}}
	if geo.NearestJunctionDistanceM < cfg.MinJunctionDistanceM {
		entry.Verdict = billboard.VerdictFail
		entry.Severity = billboard.SeverityMajor
		entry.Message = fmt.Sprintf("only %.0fm from junction %s (min %.0fm)", geo.NearestJunctionDistanceM, geo.NearestJunction, cfg.MinJunctionDistanceM)
		return entry
	}
	entry.Verdict = billboard.VerdictPass
	entry.Message = fmt.Sprintf("%.0fm from nearest junction", geo.NearestJunctionDistanceM)
	return entry
}

func License(permit billboard.PermitRecord) billboard.ViolationEntry {
	entry := billboard.ViolationEntry{Kind: billboard.KindLicense, Severity: billboard.SeverityNone}
	ref := "license:" + permit.LicenseID
	if permit.LicenseID == "" {
		ref = "license:none"
	}
	evidence := []billboard.EvidenceRef{{Entity: "permit", Ref: ref, Detail: permit.Detail}}

	switch {
	case permit.Status == billboard.LookupError:
		entry.Verdict = billboard.VerdictIndeterminate
		entry.Reason = billboard.ReasonPermitLookupFailed
		entry.Message = permit.Detail
		return entry
	case permit.LicenseID == "" || permit.Status == billboard.LookupNotFound:
		entry.Verdict = billboard.VerdictFail
		entry.Severity = billboard.SeverityMajor
		entry.Evidence = evidence
		entry.Message = "no permit found"
		return entry
	case permit.Valid == nil:
		entry.Verdict = billboard.VerdictIndeterminate
		entry.Reason = billboard.ReasonPermitValidity
		return entry
	case !*permit.Valid:
		entry.Verdict = billboard.VerdictFail
		entry.Severity = billboard.SeverityMajor
		entry.Evidence = evidence
		entry.Message = "permit is not valid"
		return entry
	case permit.LocationMatch != nil && !*permit.LocationMatch:
		entry.Verdict = billboard.VerdictFail
		entry.Severity = billboard.SeverityMinor
		entry.Evidence = evidence
		entry.Message = "permit registered at a different location"
		return entry
	}

	entry.Verdict = billboard.VerdictPass
	entry.Evidence = evidence
	return entry
}

func Zoning(geo billboard.GeoContext) billboard.ViolationEntry {
	entry := billboard.ViolationEntry{Kind: billboard.KindZoning, Severity: billboard.SeverityNone}
	switch {
	case geo.OutOfCoverage:
		entry.Verdict = billboard.VerdictIndeterminate
		entry.Reason = geo.Reason
		return entry
	case geo.ZoneType == billboard.ZoneUnknown:
		entry.Verdict = billboard.VerdictIndeterminate
		entry.Reason = billboard.ReasonUnknownZone
		return entry
	}

	entry.Evidence = []billboard.EvidenceRef{{
		Entity: "geo",
		Ref:    "zone:" + geo.ZoneID,
		Detail: fmt.Sprintf("%s zone, dataset %s", geo.ZoneType, geo.DatasetVersion),
	}}
	if !geo.ZoneAuthorized {
		entry.Verdict = billboard.VerdictFail
		entry.Severity = billboard.SeverityMajor
		entry.Message = fmt.Sprintf("billboards not authorized in %s zone %s", geo.ZoneType, geo.ZoneID)
		return entry
	}
	entry.Verdict = billboard.VerdictPass
	return entry
}
