package models

import "time"

// Kind names one of the three persisted record kinds.
type Kind string

const (
	KindEnvironmental Kind = "environmental"
	KindSystem        Kind = "system"
	KindDetection     Kind = "detection"
)

// Status defaults applied by the record builders when a payload omits one.
const (
	DefaultStatus          = "Online"
	DefaultDetectionStatus = "Completed"
	DefaultGrowthStage     = "Vegetatif"
)

// EnvironmentalReading is one weather/trap sample from a field station.
// Optional measurements are nil when the device did not report them.
type EnvironmentalReading struct {
	ID          int64     `json:"id" gorm:"primaryKey"`
	Timestamp   time.Time `json:"timestamp" gorm:"column:ts;not null;index:idx_environmental_ts,sort:desc"`
	Temperature *float64  `json:"temperature" validate:"omitempty,gte=-50,lte=100"`
	Humidity    *float64  `json:"humidity" validate:"omitempty,gte=0,lte=100"`
	Rainfall    *float64  `json:"rainfall"`
	Thunder     int       `json:"thunder" gorm:"not null;default:0"`
	PestCount   int       `json:"pest_count" gorm:"not null;default:0"`
	CPUUsage    *float64  `json:"cpu_usage"`
	Status      string    `json:"status" gorm:"size:20;not null;index" validate:"max=20"`
	Latitude    *float64  `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude   *float64  `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
}

func (EnvironmentalReading) TableName() string { return "environmental_readings" }

// HasLocation reports whether both coordinates are present. A reading with
// only one of them is accepted but carries no usable location.
func (r EnvironmentalReading) HasLocation() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// SameValues compares the fields used for duplicate suppression:
// temperature, humidity, rainfall, thunder and pest count. Coordinates and
// cpu_usage are deliberately not part of the comparison.
func (r EnvironmentalReading) SameValues(o EnvironmentalReading) bool {
	return equalFloat(r.Temperature, o.Temperature) &&
		equalFloat(r.Humidity, o.Humidity) &&
		equalFloat(r.Rainfall, o.Rainfall) &&
		r.Thunder == o.Thunder &&
		r.PestCount == o.PestCount
}

// Validate checks the range invariants of an environmental reading.
func (r EnvironmentalReading) Validate() error {
	return validateRecord(KindEnvironmental, r)
}

// SystemMetrics is the health snapshot of a field station. A single row
// accumulates the CPU, RAM and storage sub-reports that arrive close together.
type SystemMetrics struct {
	ID             int64     `json:"id" gorm:"primaryKey"`
	Timestamp      time.Time `json:"timestamp" gorm:"column:ts;not null;index:idx_system_ts,sort:desc"`
	CPUPercent     *float64  `json:"cpu_percent" validate:"omitempty,gte=0,lte=100"`
	RAMPercent     *float64  `json:"ram_percent" validate:"omitempty,gte=0,lte=100"`
	RAMUsedGB      *float64  `json:"ram_used_gb" gorm:"column:ram_used_gb" validate:"omitempty,gte=0"`
	RAMTotalGB     *float64  `json:"ram_total_gb" gorm:"column:ram_total_gb" validate:"omitempty,gte=0"`
	StoragePercent *float64  `json:"storage_percent" validate:"omitempty,gte=0,lte=100"`
	StorageUsedGB  *float64  `json:"storage_used_gb" gorm:"column:storage_used_gb" validate:"omitempty,gte=0"`
	StorageTotalGB *float64  `json:"storage_total_gb" gorm:"column:storage_total_gb" validate:"omitempty,gte=0"`
	NetworkSentMB  *float64  `json:"network_sent_mb" gorm:"column:network_sent_mb" validate:"omitempty,gte=0"`
	NetworkRecvMB  *float64  `json:"network_recv_mb" gorm:"column:network_recv_mb" validate:"omitempty,gte=0"`
	Load1Min       *float64  `json:"load_1min" gorm:"column:load_1min" validate:"omitempty,gte=0"`
	Load5Min       *float64  `json:"load_5min" gorm:"column:load_5min" validate:"omitempty,gte=0"`
	Load15Min      *float64  `json:"load_15min" gorm:"column:load_15min" validate:"omitempty,gte=0"`
	CPUTemp        *float64  `json:"cpu_temp" gorm:"column:cpu_temp"`
	BatteryLevel   *float64  `json:"battery_level"`
	Status         string    `json:"status" gorm:"size:20;not null;index" validate:"max=20"`
}

func (SystemMetrics) TableName() string { return "system_metrics" }

// SameValues compares the cpu, ram and storage percentages.
func (m SystemMetrics) SameValues(o SystemMetrics) bool {
	return equalFloat(m.CPUPercent, o.CPUPercent) &&
		equalFloat(m.RAMPercent, o.RAMPercent) &&
		equalFloat(m.StoragePercent, o.StoragePercent)
}

// Validate checks percentages are within [0, 100] and that sizes, traffic
// counters and load averages are non-negative.
func (m SystemMetrics) Validate() error {
	return validateRecord(KindSystem, m)
}

// DetectionEvent is the structured result of one pest-detection run.
type DetectionEvent struct {
	ID              int64          `json:"id" gorm:"primaryKey"`
	Timestamp       time.Time      `json:"timestamp" gorm:"column:ts;not null;index:idx_detection_ts,sort:desc"`
	TotalDetections int            `json:"total_detections" gorm:"not null;default:0;index" validate:"gte=0"`
	ClassCounts     map[string]int `json:"class_counts" gorm:"type:jsonb;serializer:json" validate:"dive,gte=0"`
	GrowthStage     string         `json:"growth_stage" gorm:"size:50;index" validate:"max=50"`
	ImagePath       *string        `json:"image_path" validate:"omitempty,max=255"`
	Latitude        *float64       `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude       *float64       `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	Status          string         `json:"status" gorm:"size:20;not null;index" validate:"max=20"`
}

func (DetectionEvent) TableName() string { return "detection_events" }

// Validate checks the detection count and coordinate ranges.
func (d DetectionEvent) Validate() error {
	return validateRecord(KindDetection, d)
}

// Ptr returns a pointer to v. Handy for building optional fields.
func Ptr[T any](v T) *T { return &v }

func equalFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
