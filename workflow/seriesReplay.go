package workflow

import (
	"context"
	"math"
	"sort"

	"github.com/mmdatafocus/mileage_backend/models"
)

const replayTolerance = 1e-9

type ReplayStep struct {
	EventId            int                `json:"event_id"`
	Action             models.AuditAction `json:"action"`
	StoredRate         float64            `json:"stored_rate"`
	ReplayedRate       float64            `json:"replayed_rate"`
	StoredConfidence   float64            `json:"stored_confidence"`
	ReplayedConfidence float64            `json:"replayed_confidence"`
	Drift              bool               `json:"drift"`
	Error              string             `json:"error,omitempty"`
}

type SeriesReplayReport struct {
	TenantId  string       `json:"tenant_id"`
	VehicleId string       `json:"vehicle_id"`
	SeriesId  string       `json:"series_id"`
	Steps     []ReplayStep `json:"steps"`
	// MissingAudit lists events that have no audit entry.
	MissingAudit []int `json:"missing_audit,omitempty"`

	ReplayedRate       float64 `json:"replayed_rate"`
	ReplayedConfidence float64 `json:"replayed_confidence"`
	// Stored* are only filled when the series is still the model's current one.
	StoredRate       *float64 `json:"stored_rate,omitempty"`
	StoredConfidence *float64 `json:"stored_confidence,omitempty"`
	Drifted          bool     `json:"drifted"`
}

// ReplaySeries re-applies the events of one series through the calibration math and
// compares every step with the audit log and the final state with the stored model.
// The flags recorded in each audit entry are reused so historical modes are honoured.
func (s *MileageService) ReplaySeries(ctx context.Context, tenantId, vehicleId, seriesId string) (*SeriesReplayReport, error) {
	if err := requireIdentity(tenantId, vehicleId); err != nil {
		return nil, err
	}
	events, err := s.repo.ListEvents(ctx, tenantId, vehicleId, seriesId)
	if err != nil {
		return nil, err
	}
	// Replay in application order. A quarantined event may carry a later timestamp
	// than an event accepted after it.
	sort.SliceStable(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	audits, err := s.repo.ListAudit(ctx, tenantId, vehicleId, "")
	if err != nil {
		return nil, err
	}
	auditByEvent := make(map[int]*models.MileageAuditLog, len(audits))
	for _, a := range audits {
		if a.EventId != nil {
			auditByEvent[*a.EventId] = a
		}
	}

	report := &SeriesReplayReport{TenantId: tenantId, VehicleId: vehicleId, SeriesId: seriesId, Steps: []ReplayStep{}}
	var state *models.MileageModel
	for _, e := range events {
		a, ok := auditByEvent[e.ID]
		if !ok {
			report.MissingAudit = append(report.MissingAudit, e.ID)
			report.Drifted = true
			continue
		}
		var seed *models.VehicleSnapshot
		if state == nil {
			state, seed = replayStartState(tenantId, vehicleId, seriesId, a)
		}
		modes := calibrationModes{Primary: a.Details.PrimaryApplied, Shadow: a.Details.ShadowApplied}
		plan, perr := planCalibration(state, observation{
			Km:            e.Km,
			Unit:          e.Unit,
			TimestampUtc:  e.TimestampUtc,
			Source:        e.Source,
			EvidenceType:  e.EvidenceType,
			OdometerReset: e.OdometerReset,
		}, seed, modes, s.settings, func() string { return e.SeriesId })

		step := ReplayStep{
			EventId:          e.ID,
			Action:           a.Action,
			StoredRate:       a.Details.RateAfter,
			StoredConfidence: a.Details.ConfidenceAfter,
		}
		if perr != nil {
			step.Error = perr.Error()
			step.Drift = true
		} else {
			state = plan.Next
			step.ReplayedRate = state.RateKmPerDay
			step.ReplayedConfidence = state.Confidence
			step.Drift = drifted(step.StoredRate, step.ReplayedRate) || drifted(step.StoredConfidence, step.ReplayedConfidence)
		}
		report.Drifted = report.Drifted || step.Drift
		report.Steps = append(report.Steps, step)
	}

	if state != nil {
		report.ReplayedRate = state.RateKmPerDay
		report.ReplayedConfidence = state.Confidence
	}
	m, err := s.repo.GetModel(ctx, tenantId, vehicleId)
	if err != nil {
		return nil, err
	}
	if m != nil && m.SeriesId == seriesId && state != nil {
		report.StoredRate = &m.RateKmPerDay
		report.StoredConfidence = &m.Confidence
		if drifted(m.RateKmPerDay, state.RateKmPerDay) || drifted(m.Confidence, state.Confidence) {
			report.Drifted = true
		}
	}
	return report, nil
}

// replayStartState rebuilds the model as it was just before the first audited event of a series.
func replayStartState(tenantId, vehicleId, seriesId string, first *models.MileageAuditLog) (*models.MileageModel, *models.VehicleSnapshot) {
	d := first.Details
	state := &models.MileageModel{
		TenantId:           tenantId,
		VehicleId:          vehicleId,
		SeriesId:           seriesId,
		LastTrueKm:         d.LastTrueKmBefore,
		LastTrueTsUtc:      d.LastTrueTsBefore,
		RateKmPerDay:       d.RateBefore,
		Confidence:         d.ConfidenceBefore,
		ShadowRateKmPerDay: copyFloat(d.ShadowRateBefore),
		HasBaseline:        !d.BaselineOnly && !d.Bootstrapped,
		DefaultUnit:        models.DistanceUnitKm,
	}
	if !d.Bootstrapped {
		return state, nil
	}
	km := d.LastTrueKmBefore
	unit := models.DistanceUnitKm
	ts := d.LastTrueTsBefore
	return state, &models.VehicleSnapshot{Mileage: &km, DefaultUnit: &unit, UpdatedAt: &ts}
}

func drifted(a, b float64) bool {
	return math.Abs(a-b) > replayTolerance
}
