package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Archive is the gateway's in-memory telemetry series, periodically flushed
// to a compressed on-disk engine file per node. It is keyed by
// "<nodeHex>|<metric>", matching the teacher's "<device>|<metric>" key shape.
type Archive struct {
	mu        sync.RWMutex
	dir       string
	series    map[string][]Sample
	batch     map[string][]Sample
	batchSize int
}

// NewArchive creates an archive that flushes compressed engine files under dir.
func NewArchive(dir string) *Archive {
	return &Archive{
		dir:       dir,
		series:    make(map[string][]Sample),
		batch:     make(map[string][]Sample),
		batchSize: 256,
	}
}

func seriesKey(nodeHex, metric string) string {
	return nodeHex + "|" + metric
}

// Record appends one observed metric value for a node and flushes the
// backing engine file once batchSize samples have accumulated for that key.
func (a *Archive) Record(nodeHex, metric string, timestampMS int64, value float64) {
	key := seriesKey(nodeHex, metric)

	a.mu.Lock()
	a.series[key] = append(a.series[key], Sample{TimestampMS: timestampMS, Value: value})
	a.batch[key] = append(a.batch[key], Sample{TimestampMS: timestampMS, Value: value})
	shouldFlush := len(a.batch[key]) >= a.batchSize
	a.mu.Unlock()

	if shouldFlush {
		a.flush(key)
	}
}

func (a *Archive) flush(key string) {
	a.mu.Lock()
	pending := a.batch[key]
	a.batch[key] = nil
	a.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	eng := newEngine(a.enginePath(key))
	existing, err := eng.Read()
	if err != nil {
		existing = nil
	}
	if err := eng.Write(append(existing, pending...)); err != nil {
		fmt.Fprintf(os.Stderr, "[ERR] history: flush %s: %v\n", key, err)
	}
}

func (a *Archive) enginePath(key string) string {
	safe := filepath.Clean(key)
	return filepath.Join(a.dir, safe+".msh")
}

// Query returns every recorded value for nodeHex/metric within [start,end]
// (both ms, inclusive); start==end==0 returns the full series.
func (a *Archive) Query(nodeHex, metric string, start, end int64) ([]float64, error) {
	key := seriesKey(nodeHex, metric)

	a.mu.RLock()
	samples := a.series[key]
	a.mu.RUnlock()

	if len(samples) == 0 {
		return nil, nil
	}

	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if (start == 0 && end == 0) || (s.TimestampMS >= start && (end == 0 || s.TimestampMS <= end)) {
			out = append(out, s.Value)
		}
	}
	return out, nil
}

// Stats summarizes a metric series for dashboard display.
type Stats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

func (a *Archive) Aggregate(nodeHex, metric string, start, end int64) (Stats, error) {
	values, err := a.Query(nodeHex, metric, start, end)
	if err != nil || len(values) == 0 {
		return Stats{}, err
	}
	stats := Stats{Count: len(values), Min: values[0], Max: values[0]}
	for _, v := range values {
		stats.Sum += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	return stats, nil
}

// Close flushes every pending batch to disk.
func (a *Archive) Close() error {
	a.mu.RLock()
	keys := make([]string, 0, len(a.batch))
	for k, pending := range a.batch {
		if len(pending) > 0 {
			keys = append(keys, k)
		}
	}
	a.mu.RUnlock()

	for _, k := range keys {
		a.flush(k)
	}
	return nil
}
