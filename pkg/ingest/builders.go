package ingest

import (
	"maps"
	"time"

	"github.com/alimk/fieldwatch/pkg/models"
)

// BuildEnvironmental turns an environmental payload into a reading. When the
// payload carries battery_level, that value is split out into a separate
// SystemMetrics record sharing the reading's status and timestamp.
func BuildEnvironmental(p models.EnvironmentalPayload, now time.Time) (models.EnvironmentalReading, *models.SystemMetrics) {
	status := models.StatusOr(p.Status, models.DefaultStatus)
	r := models.EnvironmentalReading{
		Timestamp:   now,
		Temperature: p.Temperature,
		Humidity:    p.Humidity,
		Rainfall:    p.Rainfall,
		CPUUsage:    p.CPUUsage,
		Status:      status,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
	}
	if p.Thunder != nil {
		r.Thunder = *p.Thunder
	}
	if p.PestCount != nil {
		r.PestCount = *p.PestCount
	}

	if p.BatteryLevel == nil {
		return r, nil
	}
	return r, &models.SystemMetrics{
		Timestamp:    now,
		BatteryLevel: p.BatteryLevel,
		Status:       status,
	}
}

// BuildSystem turns a complete system-health payload into a record.
func BuildSystem(p models.SystemPayload, now time.Time) models.SystemMetrics {
	return models.SystemMetrics{
		Timestamp:      now,
		CPUPercent:     p.CPUPercent,
		RAMPercent:     p.RAMPercent,
		RAMUsedGB:      p.RAMUsedGB,
		RAMTotalGB:     p.RAMTotalGB,
		StoragePercent: p.StoragePercent,
		StorageUsedGB:  p.StorageUsedGB,
		StorageTotalGB: p.StorageTotalGB,
		NetworkSentMB:  p.NetworkSentMB,
		NetworkRecvMB:  p.NetworkRecvMB,
		Load1Min:       p.Load1Min,
		Load5Min:       p.Load5Min,
		Load15Min:      p.Load15Min,
		CPUTemp:        p.CPUTemp,
		BatteryLevel:   p.BatteryLevel,
		Status:         models.StatusOr(p.Status, models.DefaultStatus),
	}
}

// BuildPartial starts a new SystemMetrics record holding only the fields
// carried by r.
func BuildPartial(r models.SubReport, now time.Time) models.SystemMetrics {
	m := models.SystemMetrics{Timestamp: now}
	r.Apply(&m)
	return m
}

// BuildDetection turns a detection payload into an event.
func BuildDetection(p models.DetectionPayload, now time.Time) models.DetectionEvent {
	d := models.DetectionEvent{
		Timestamp:   now,
		ClassCounts: map[string]int{},
		GrowthStage: models.StatusOr(p.GrowthStage, models.DefaultGrowthStage),
		ImagePath:   p.ImagePath,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		Status:      models.StatusOr(p.Status, models.DefaultDetectionStatus),
	}
	if p.TotalDetections != nil {
		d.TotalDetections = *p.TotalDetections
	}
	maps.Copy(d.ClassCounts, p.ClassCounts)
	return d
}
