package metrics

import (
	"time"

	"paybridge/internal/core"
	"paybridge/internal/ingest"
)

// Nop discards all metrics. Used when METRICS_BACKEND=none.
type Nop struct {
	ingest.NopRecorder
}

var (
	_ ingest.Recorder       = Nop{}
	_ core.MetricsCollector = Nop{}
)

func (Nop) RecordRequest(string, string, string, time.Duration) {}
