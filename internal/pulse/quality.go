package pulse

import (
	"encoding/json"
	"time"
)

// Quality classifies how much a consumer may trust a reading. Only
// Good and Uncertain carry a usable numeric value; everything else is
// a status indicator.
type Quality uint8

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
	QualityNotConnected
	QualityTimeout
	QualityStale
	QualityUnderMaintenance
	QualityEngineerOverride
	QualityUnknown
)

var qualityNames = map[Quality]string{
	QualityGood:             "good",
	QualityUncertain:        "uncertain",
	QualityBad:              "bad",
	QualityNotConnected:     "not_connected",
	QualityTimeout:          "timeout",
	QualityStale:            "stale",
	QualityUnderMaintenance: "under_maintenance",
	QualityEngineerOverride: "engineer_override",
	QualityUnknown:          "unknown",
}

func (q Quality) String() string {
	if s, ok := qualityNames[q]; ok {
		return s
	}
	return "unknown"
}

// Usable reports whether downstream consumers may trust the numeric
// value.
func (q Quality) Usable() bool {
	return q == QualityGood || q == QualityUncertain
}

func (q Quality) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

func (q *Quality) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range qualityNames {
		if v == s {
			*q = k
			return nil
		}
	}
	*q = QualityUnknown
	return nil
}

// TimestampedValue is the unit of output of every driver: one reading
// for one point. Immutable once produced.
type TimestampedValue struct {
	PointID   string    `json:"pointId"`
	Value     Value     `json:"value"`
	Quality   Quality   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// NewReading stamps a value with the current wall clock.
func NewReading(pointID string, v Value, q Quality, source string) TimestampedValue {
	return TimestampedValue{
		PointID:   pointID,
		Value:     v,
		Quality:   q,
		Timestamp: time.Now(),
		Source:    source,
	}
}
