package models

import (
	"errors"
	"strings"
)

type DistanceUnit string

const (
	DistanceUnitKm DistanceUnit = "km"
	DistanceUnitMi DistanceUnit = "mi"
)

func (u DistanceUnit) IsValid() bool {
	return u == DistanceUnitKm || u == DistanceUnitMi
}

// ParseDistanceUnit accepts "km"/"mi" in any case; empty input yields "".
func ParseDistanceUnit(s string) (DistanceUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "km", "kilometer", "kilometers":
		return DistanceUnitKm, nil
	case "mi", "mile", "miles":
		return DistanceUnitMi, nil
	default:
		return "", errors.New("invalid distance unit")
	}
}

type EventSource string

const (
	EventSourceService      EventSource = "service"
	EventSourceInspection   EventSource = "inspection"
	EventSourceUserManual   EventSource = "user_manual"
	EventSourceSystemImport EventSource = "system_import"
)

func (s EventSource) IsValid() bool {
	switch s {
	case EventSourceService, EventSourceInspection, EventSourceUserManual, EventSourceSystemImport:
		return true
	}
	return false
}

type EvidenceType string

const (
	EvidenceTypeNone     EvidenceType = "none"
	EvidenceTypePhoto    EvidenceType = "photo"
	EvidenceTypeDocument EvidenceType = "document"
)

func (e EvidenceType) IsValid() bool {
	switch e {
	case EvidenceTypeNone, EvidenceTypePhoto, EvidenceTypeDocument:
		return true
	}
	return false
}

type OutlierClass string

const (
	OutlierClassNone OutlierClass = "none"
	OutlierClassSoft OutlierClass = "soft"
	OutlierClassHard OutlierClass = "hard"
)

type AuditAction string

const (
	AuditActionCalibrated AuditAction = "calibrated"
	AuditActionOutlier    AuditAction = "outlier"
	AuditActionClosed     AuditAction = "closed"
	AuditActionShadow     AuditAction = "shadow"
)
