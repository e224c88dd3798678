package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject is returned when a payload is valid JSON but not a key-value object.
var ErrNotObject = errors.New("payload is not a JSON object")

// DecodeObject parses data as a JSON object. Arrays, scalars and null are
// rejected with ErrNotObject.
func DecodeObject(data []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, ErrNotObject
		}
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if obj == nil {
		return nil, ErrNotObject
	}
	return obj, nil
}

// Decode parses data into the typed payload T. Unknown keys are ignored;
// a known key carrying the wrong JSON type is an error.
func Decode[T any](data []byte) (T, error) {
	var out T
	if _, err := DecodeObject(data); err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

// EnvironmentalPayload is the body published on the environmental topic.
type EnvironmentalPayload struct {
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"humidity"`
	Rainfall     *float64 `json:"rainfall"`
	Thunder      *int     `json:"thunder"`
	PestCount    *int     `json:"pest_count"`
	CPUUsage     *float64 `json:"cpu_usage"`
	Status       *string  `json:"status"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	BatteryLevel *float64 `json:"battery_level"`
}

// SystemPayload is the complete system-health report.
type SystemPayload struct {
	CPUPercent     *float64 `json:"cpu_percent"`
	RAMPercent     *float64 `json:"ram_percent"`
	RAMUsedGB      *float64 `json:"ram_used_gb"`
	RAMTotalGB     *float64 `json:"ram_total_gb"`
	StoragePercent *float64 `json:"storage_percent"`
	StorageUsedGB  *float64 `json:"storage_used_gb"`
	StorageTotalGB *float64 `json:"storage_total_gb"`
	NetworkSentMB  *float64 `json:"network_sent_mb"`
	NetworkRecvMB  *float64 `json:"network_recv_mb"`
	Load1Min       *float64 `json:"load_1min"`
	Load5Min       *float64 `json:"load_5min"`
	Load15Min      *float64 `json:"load_15min"`
	Status         *string  `json:"status"`
	CPUTemp        *float64 `json:"cpu_temp"`
	BatteryLevel   *float64 `json:"battery_level"`
}

// DetectionPayload is the output of the pest-detection model as published by
// the trap. detection_details is accepted on the wire but not persisted.
type DetectionPayload struct {
	TotalDetections *int           `json:"total_detections"`
	ClassCounts     map[string]int `json:"class_counts"`
	GrowthStage     *string        `json:"growth_stage"`
	ImagePath       *string        `json:"image_path"`
	Latitude        *float64       `json:"latitude"`
	Longitude       *float64       `json:"longitude"`
	Status          *string        `json:"status"`
}

// SubReport is a single-category system payload (CPU, RAM or storage) that
// is merged into the most recent SystemMetrics row.
type SubReport interface {
	// Category names the sub-report for logs and metrics.
	Category() string
	// Apply copies the fields present in the report onto m. Status is always
	// overwritten; absent measurements leave m untouched.
	Apply(m *SystemMetrics)
}

// CPUReport is published on the cpu-only topic.
type CPUReport struct {
	CPUPercent *float64 `json:"cpu_percent"`
	CPUTemp    *float64 `json:"cpu_temp"`
	Status     *string  `json:"status"`
}

func (CPUReport) Category() string { return "cpu" }

func (r CPUReport) Apply(m *SystemMetrics) {
	setFloat(&m.CPUPercent, r.CPUPercent)
	setFloat(&m.CPUTemp, r.CPUTemp)
	m.Status = StatusOr(r.Status, DefaultStatus)
}

// RAMReport is published on the ram-only topic.
type RAMReport struct {
	RAMPercent *float64 `json:"ram_percent"`
	RAMUsedGB  *float64 `json:"ram_used_gb"`
	RAMTotalGB *float64 `json:"ram_total_gb"`
	Status     *string  `json:"status"`
}

func (RAMReport) Category() string { return "ram" }

func (r RAMReport) Apply(m *SystemMetrics) {
	setFloat(&m.RAMPercent, r.RAMPercent)
	setFloat(&m.RAMUsedGB, r.RAMUsedGB)
	setFloat(&m.RAMTotalGB, r.RAMTotalGB)
	m.Status = StatusOr(r.Status, DefaultStatus)
}

// StorageReport is published on the storage-only topic.
type StorageReport struct {
	StoragePercent *float64 `json:"storage_percent"`
	StorageUsedGB  *float64 `json:"storage_used_gb"`
	StorageTotalGB *float64 `json:"storage_total_gb"`
	Status         *string  `json:"status"`
}

func (StorageReport) Category() string { return "storage" }

func (r StorageReport) Apply(m *SystemMetrics) {
	setFloat(&m.StoragePercent, r.StoragePercent)
	setFloat(&m.StorageUsedGB, r.StorageUsedGB)
	setFloat(&m.StorageTotalGB, r.StorageTotalGB)
	m.Status = StatusOr(r.Status, DefaultStatus)
}

// StatusOr returns *s, or def when s is nil or empty.
func StatusOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

func setFloat(dst **float64, v *float64) {
	if v == nil {
		return
	}
	c := *v
	*dst = &c
}
