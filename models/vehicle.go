package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Vehicle is the read-only projection of the vehicle directory that the engine consumes.
// The table is owned by the vehicle service; this package never writes it outside tests.
type Vehicle struct {
	ID          string        `gorm:"primaryKey;size:64" json:"id"`
	TenantId    string        `gorm:"size:64;not null;index" json:"tenant_id"`
	Mileage     *float64      `json:"mileage,omitempty"`
	MileageUnit *DistanceUnit `gorm:"size:2" json:"mileage_unit,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// VehicleSnapshot is what baseline bootstrap needs from the directory.
type VehicleSnapshot struct {
	Mileage     *float64
	DefaultUnit *DistanceUnit
	UpdatedAt   *time.Time
}

type GormVehicleDirectory struct {
	db *gorm.DB
}

func NewGormVehicleDirectory(db *gorm.DB) *GormVehicleDirectory {
	return &GormVehicleDirectory{db: db}
}

// FindVehicle returns nil, nil when the vehicle is unknown.
func (d *GormVehicleDirectory) FindVehicle(ctx context.Context, tenantId, vehicleId string) (*VehicleSnapshot, error) {
	var v Vehicle
	err := d.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantId, vehicleId).
		Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap := &VehicleSnapshot{
		Mileage:     v.Mileage,
		DefaultUnit: v.MileageUnit,
	}
	if !v.UpdatedAt.IsZero() {
		ts := v.UpdatedAt.UTC()
		snap.UpdatedAt = &ts
	}
	return snap, nil
}
