package gc

import (
	"fmt"
	"io"
	"sync"

	"github.com/parquet-go/parquet-go"

	"github.com/dray-io/heapd/internal/objectmanager"
)

// History is a bounded ring of recent cycle stats.
type History struct {
	mu      sync.Mutex
	entries []objectmanager.GCStats
	next    int
	full    bool
}

// NewHistory creates a history holding up to size cycles.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{entries: make([]objectmanager.GCStats, size)}
}

// Add records stats, dropping the oldest entry when the ring is full.
func (h *History) Add(stats objectmanager.GCStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = stats
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Entries returns the recorded stats, oldest first.
func (h *History) Entries() []objectmanager.GCStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]objectmanager.GCStats(nil), h.entries[:h.next]...)
	}
	out := make([]objectmanager.GCStats, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}

// HistoryRecord is the Parquet row of one cycle.
type HistoryRecord struct {
	Iteration             int64  `parquet:"iteration"`
	Kind                  string `parquet:"kind"`
	CorrelationID         string `parquet:"correlation_id"`
	StartTime             int64  `parquet:"start_time,timestamp(millisecond)"`
	ElapsedMs             int64  `parquet:"elapsed_ms"`
	BeginObjectCount      int64  `parquet:"begin_object_count"`
	CandidateGarbageCount int64  `parquet:"candidate_garbage_count"`
	ActualGarbageCount    int64  `parquet:"actual_garbage_count"`
	RescuedCount          int64  `parquet:"rescued_count"`
}

// ToRecord converts stats to a Parquet row.
func ToRecord(s objectmanager.GCStats) HistoryRecord {
	return HistoryRecord{
		Iteration:             int64(s.Iteration),
		Kind:                  s.Kind,
		CorrelationID:         s.CorrelationID,
		StartTime:             s.StartTime.UnixMilli(),
		ElapsedMs:             s.ElapsedTime.Milliseconds(),
		BeginObjectCount:      int64(s.BeginObjectCount),
		CandidateGarbageCount: int64(s.CandidateGarbageCount),
		ActualGarbageCount:    int64(s.ActualGarbageCount),
		RescuedCount:          int64(s.RescuedCount),
	}
}

// ExportParquet writes stats to w as a Parquet file.
func ExportParquet(w io.Writer, stats []objectmanager.GCStats) error {
	records := make([]HistoryRecord, len(stats))
	for i, s := range stats {
		records[i] = ToRecord(s)
	}
	writer := parquet.NewGenericWriter[HistoryRecord](w)
	if len(records) > 0 {
		n, err := writer.Write(records)
		if err != nil {
			return fmt.Errorf("parquet: write history: %w", err)
		}
		if n != len(records) {
			return fmt.Errorf("parquet: wrote %d of %d records", n, len(records))
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("parquet: close: %w", err)
	}
	return nil
}
