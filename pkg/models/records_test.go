package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validEnvironmental() EnvironmentalReading {
	return EnvironmentalReading{
		Timestamp:   time.Now(),
		Temperature: Ptr(28.5),
		Humidity:    Ptr(81.0),
		Rainfall:    Ptr(0.4),
		Status:      DefaultStatus,
		Latitude:    Ptr(-6.91),
		Longitude:   Ptr(107.61),
	}
}

func TestEnvironmentalValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*EnvironmentalReading)
		wantErr string
	}{
		{
			name:   "valid reading",
			mutate: func(_ *EnvironmentalReading) {},
		},
		{
			name: "all optional fields absent",
			mutate: func(r *EnvironmentalReading) {
				*r = EnvironmentalReading{Timestamp: time.Now(), Status: DefaultStatus}
			},
		},
		{
			name:    "temperature too low",
			mutate:  func(r *EnvironmentalReading) { r.Temperature = Ptr(-50.1) },
			wantErr: "temperature must be >= -50",
		},
		{
			name:    "temperature too high",
			mutate:  func(r *EnvironmentalReading) { r.Temperature = Ptr(100.5) },
			wantErr: "temperature must be <= 100",
		},
		{
			name:   "temperature at boundaries",
			mutate: func(r *EnvironmentalReading) { r.Temperature = Ptr(-50.0) },
		},
		{
			name:    "humidity above 100",
			mutate:  func(r *EnvironmentalReading) { r.Humidity = Ptr(150.0) },
			wantErr: "humidity must be <= 100",
		},
		{
			name:    "humidity negative",
			mutate:  func(r *EnvironmentalReading) { r.Humidity = Ptr(-1.0) },
			wantErr: "humidity must be >= 0",
		},
		{
			name:    "latitude out of range",
			mutate:  func(r *EnvironmentalReading) { r.Latitude = Ptr(91.0) },
			wantErr: "latitude must be <= 90",
		},
		{
			name:    "longitude out of range",
			mutate:  func(r *EnvironmentalReading) { r.Longitude = Ptr(-180.5) },
			wantErr: "longitude must be >= -180",
		},
		{
			name:   "latitude without longitude is accepted",
			mutate: func(r *EnvironmentalReading) { r.Longitude = nil },
		},
		{
			name:    "status too long",
			mutate:  func(r *EnvironmentalReading) { r.Status = strings.Repeat("x", 21) },
			wantErr: "status exceeds 20 characters",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := validEnvironmental()
			tc.mutate(&r)
			err := r.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidationErrorListsEveryField(t *testing.T) {
	r := validEnvironmental()
	r.Temperature = Ptr(120.0)
	r.Humidity = Ptr(150.0)

	err := r.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if verr.Kind != KindEnvironmental {
		t.Fatalf("expected kind %q, got %q", KindEnvironmental, verr.Kind)
	}
	if len(verr.Problems) != 2 {
		t.Fatalf("expected 2 problems, got %v", verr.Problems)
	}
}

func TestSystemMetricsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		metrics SystemMetrics
		wantErr string
	}{
		{
			name:    "empty record",
			metrics: SystemMetrics{Status: DefaultStatus},
		},
		{
			name: "full record",
			metrics: SystemMetrics{
				CPUPercent: Ptr(12.0), RAMPercent: Ptr(40.0), RAMUsedGB: Ptr(1.6), RAMTotalGB: Ptr(4.0),
				StoragePercent: Ptr(55.0), StorageUsedGB: Ptr(16.0), StorageTotalGB: Ptr(29.0),
				NetworkSentMB: Ptr(3.2), NetworkRecvMB: Ptr(9.1),
				Load1Min: Ptr(0.3), Load5Min: Ptr(0.2), Load15Min: Ptr(0.1),
				CPUTemp: Ptr(51.0), BatteryLevel: Ptr(87.0), Status: DefaultStatus,
			},
		},
		{
			name:    "cpu percent above 100",
			metrics: SystemMetrics{CPUPercent: Ptr(100.1)},
			wantErr: "cpu_percent must be <= 100",
		},
		{
			name:    "negative storage used",
			metrics: SystemMetrics{StorageUsedGB: Ptr(-1.0)},
			wantErr: "storage_used_gb must be >= 0",
		},
		{
			name:    "negative network counter",
			metrics: SystemMetrics{NetworkRecvMB: Ptr(-0.5)},
			wantErr: "network_recv_mb must be >= 0",
		},
		{
			name:    "negative load average",
			metrics: SystemMetrics{Load15Min: Ptr(-0.01)},
			wantErr: "load_15min must be >= 0",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.metrics.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestDetectionEventValidate(t *testing.T) {
	t.Parallel()

	ok := DetectionEvent{
		TotalDetections: 7,
		ClassCounts:     map[string]int{"wereng": 5, "walang_sangit": 2},
		GrowthStage:     DefaultGrowthStage,
		Status:          DefaultDetectionStatus,
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	neg := ok
	neg.TotalDetections = -1
	if err := neg.Validate(); err == nil || !strings.Contains(err.Error(), "total_detections must be >= 0") {
		t.Fatalf("expected total_detections error, got: %v", err)
	}

	badClass := ok
	badClass.ClassCounts = map[string]int{"wereng": -2}
	if err := badClass.Validate(); err == nil {
		t.Fatal("expected error for negative class count")
	}

	badLat := ok
	badLat.Latitude = Ptr(-95.0)
	if err := badLat.Validate(); err == nil || !strings.Contains(err.Error(), "latitude") {
		t.Fatalf("expected latitude error, got: %v", err)
	}
}

func TestSameValues(t *testing.T) {
	t.Parallel()

	a := validEnvironmental()
	b := validEnvironmental()
	b.Latitude = Ptr(0.0)
	b.CPUUsage = Ptr(99.0)
	if !a.SameValues(b) {
		t.Fatal("coordinates and cpu_usage must not take part in the comparison")
	}

	b.Rainfall = nil
	if a.SameValues(b) {
		t.Fatal("absent rainfall must differ from a reported one")
	}

	a.Rainfall = nil
	if !a.SameValues(b) {
		t.Fatal("two absent rainfalls must compare equal")
	}

	m1 := SystemMetrics{CPUPercent: Ptr(10.0), BatteryLevel: Ptr(80.0)}
	m2 := SystemMetrics{CPUPercent: Ptr(10.0), BatteryLevel: Ptr(20.0)}
	if !m1.SameValues(m2) {
		t.Fatal("battery level must not take part in the system comparison")
	}
	m2.RAMPercent = Ptr(33.0)
	if m1.SameValues(m2) {
		t.Fatal("differing ram_percent must not compare equal")
	}
}

func TestHasLocation(t *testing.T) {
	t.Parallel()

	r := validEnvironmental()
	if !r.HasLocation() {
		t.Fatal("expected location with both coordinates")
	}
	r.Latitude = nil
	if r.HasLocation() {
		t.Fatal("expected no location with a single coordinate")
	}
}
