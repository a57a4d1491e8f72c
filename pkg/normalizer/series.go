package normalizer

import (
	"math"
	"sort"
	"time"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// Clean drops non-finite and negative samples and orders the rest by time.
// The input series is not modified.
func Clean(series models.Series) models.Series {
	if len(series) == 0 {
		return nil
	}

	out := make(models.Series, 0, len(series))
	for _, s := range series {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) || s.Value < 0 {
			continue
		}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// MeanSeries averages several series per timestamp. Timestamps present in
// only some series are averaged over those series.
func MeanSeries(series []models.Series) models.Series {
	if len(series) == 0 {
		return nil
	}
	if len(series) == 1 {
		return series[0]
	}

	type acc struct {
		ts    time.Time
		sum   float64
		count int
	}
	buckets := make(map[int64]*acc)
	var keys []int64

	for _, s := range series {
		for _, sample := range s {
			k := sample.Timestamp.UnixNano()
			b, ok := buckets[k]
			if !ok {
				b = &acc{ts: sample.Timestamp}
				buckets[k] = b
				keys = append(keys, k)
			}
			b.sum += sample.Value
			b.count++
		}
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make(models.Series, len(keys))
	for i, k := range keys {
		b := buckets[k]
		out[i] = models.Sample{
			Timestamp: b.ts,
			Value:     b.sum / float64(b.count),
		}
	}
	return out
}
