package models

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrOdometerEventImmutable = errors.New("odometer events are append-only")

// OdometerEvent is one accepted (or quarantined) observation.
// Unique constraint: (tenant_id, vehicle_id, client_request_id) when client_request_id is set.
type OdometerEvent struct {
	ID                   int           `gorm:"primary_key" json:"id"`
	TenantId             string        `gorm:"size:64;not null;index:idx_event_series,priority:1;index:uniq_event_client_request,unique,priority:1" json:"tenant_id"`
	VehicleId            string        `gorm:"size:64;not null;index:idx_event_series,priority:2;index:uniq_event_client_request,unique,priority:2" json:"vehicle_id"`
	SeriesId             string        `gorm:"size:64;not null;index:idx_event_series,priority:3" json:"series_id"`
	Km                   float64       `gorm:"not null" json:"km"`
	InputValue           float64       `gorm:"not null" json:"input_value"`
	Unit                 DistanceUnit  `gorm:"size:2;not null" json:"unit"`
	TimestampUtc         time.Time     `gorm:"not null;index" json:"timestamp_utc"`
	Source               EventSource   `gorm:"size:20;not null" json:"source"`
	EvidenceType         EvidenceType  `gorm:"size:20;not null" json:"evidence_type"`
	EvidenceUrl          *string       `gorm:"size:1024" json:"evidence_url,omitempty"`
	Notes                *string       `gorm:"type:text" json:"notes,omitempty"`
	PendingReview        bool          `gorm:"not null;index" json:"pending_review"`
	OutlierClass         OutlierClass  `gorm:"size:10;not null" json:"outlier_class"`
	ObservedRateKmPerDay *float64      `json:"observed_rate_km_per_day,omitempty"`
	OdometerReset        bool          `gorm:"not null" json:"odometer_reset"`
	ClientRequestId      *string       `gorm:"size:128;index:uniq_event_client_request,unique,priority:3" json:"client_request_id,omitempty"`
	CreatedByUserId      *string       `gorm:"size:64" json:"created_by_user_id,omitempty"`
	Metadata             EventMetadata `gorm:"serializer:json;type:text" json:"metadata"`
	CreatedAt            time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

func (e *OdometerEvent) BeforeUpdate(tx *gorm.DB) error {
	return ErrOdometerEventImmutable
}

func (e *OdometerEvent) BeforeDelete(tx *gorm.DB) error {
	return ErrOdometerEventImmutable
}

// EventMetadata is an open key/value bag with a few known keys.
//
// Known keys:
//   - device_id: telematics unit or app installation that produced the reading
//   - workshop_id: service/inspection location
//   - import_batch_id: batch identifier for system_import events
//   - reset_reason: why the odometer was reset (cluster replaced, rollover, ...)
//
// Any other key is preserved in Extra and round-trips unchanged.
type EventMetadata struct {
	DeviceId      string         `json:"-"`
	WorkshopId    string         `json:"-"`
	ImportBatchId string         `json:"-"`
	ResetReason   string         `json:"-"`
	Extra         map[string]any `json:"-"`
}

var knownMetadataKeys = []string{"device_id", "workshop_id", "import_batch_id", "reset_reason"}

func (m *EventMetadata) knownField(key string) *string {
	switch key {
	case "device_id":
		return &m.DeviceId
	case "workshop_id":
		return &m.WorkshopId
	case "import_batch_id":
		return &m.ImportBatchId
	case "reset_reason":
		return &m.ResetReason
	}
	return nil
}

// EventMetadataFromMap splits a free-form map into known keys and Extra.
// Known keys with non-string values are kept in Extra untouched.
func EventMetadataFromMap(raw map[string]any) EventMetadata {
	var m EventMetadata
	for k, v := range raw {
		if f := m.knownField(k); f != nil {
			if s, ok := v.(string); ok {
				*f = s
				continue
			}
		}
		if m.Extra == nil {
			m.Extra = map[string]any{}
		}
		m.Extra[k] = v
	}
	return m
}

func (m EventMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+len(knownMetadataKeys))
	for k, v := range m.Extra {
		out[k] = v
	}
	for _, k := range knownMetadataKeys {
		if v := *m.knownField(k); v != "" {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

func (m *EventMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = EventMetadataFromMap(raw)
	return nil
}
