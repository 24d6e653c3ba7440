package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
)

// IdempotencyKey stores the response of a RecordEvent call keyed by the caller's client request id.
// Unique constraint: (tenant_id, vehicle_id, client_request_id).
//
// STARTED is written inside the event transaction; SUCCEEDED carries the serialized response.
type IdempotencyKey struct {
	ID              int               `gorm:"primary_key" json:"id"`
	TenantId        string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"tenant_id"`
	VehicleId       string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"vehicle_id"`
	ClientRequestId string            `gorm:"size:128;not null;index:uniq_idem,unique" json:"client_request_id"`
	EventId         int               `gorm:"not null" json:"event_id"`
	Status          IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	Response        []byte            `gorm:"type:blob" json:"response"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
