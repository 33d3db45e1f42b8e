package model

import "time"

type MetricType string

const (
	MetricBloodPressure MetricType = "blood_pressure"
	MetricBloodSugar    MetricType = "blood_sugar"
	MetricWeight        MetricType = "weight"
	MetricHeartRate     MetricType = "heart_rate"
	MetricTemperature   MetricType = "temperature"
	MetricSteps         MetricType = "steps"
	MetricSleep         MetricType = "sleep"
)

// HealthMetric is a single measurement. When Encrypted is set, Value is
// meaningless and the measurement lives in Ciphertext.
type HealthMetric struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	MetricType MetricType `json:"metric_type"`
	Value      float64    `json:"value"`
	Ciphertext string     `json:"-"`
	Encrypted  bool       `json:"-"`
	Unit       string     `json:"unit"`
	Notes      string     `json:"notes"`
	RecordedAt time.Time  `json:"recorded_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// MetricFilter narrows a metric listing. Zero values mean no restriction.
type MetricFilter struct {
	MetricType MetricType
	Limit      int
}
