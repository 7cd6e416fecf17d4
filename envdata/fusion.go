package envdata

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tolelom/pulsechain/crypto"
)

// minSources is the default minimum number of accepted samples required
// before fusion will inject anything.
const minSources = 1

// madOutlierThreshold marks a numeric field value as an outlier when it
// sits farther than this many median-absolute-deviations from the median,
// per spec.md §4.6 step 4.
const madOutlierThreshold = 3.0

// madMinSampleCount is the minimum number of values in a numeric field
// before MAD-based outlier rejection is even attempted.
const madMinSampleCount = 4

// Fused is the payload injected into the next pulse link.
type Fused struct {
	Timestamp    float64        `json:"timestamp"`
	SourceCount  int            `json:"source_count"`
	IntegratedBy string         `json:"integrated_by"`
	Groups       map[string]any `json:"-"`
	Hash         string         `json:"hash"`
}

// ErrInsufficientSources is returned by fuse when fewer than minSources
// samples survive the staleness filter.
var ErrInsufficientSources = fmt.Errorf("envdata: fewer than the minimum required sources produced a sample")

// fuse groups samples by source type and combines each group's numeric
// fields via a confidence-weighted mean (with MAD-based outlier
// rejection once a field has enough values), and non-numeric fields by
// taking the highest-confidence sample's value. See spec.md §4.6.
func fuse(nodeID string, samples []Sample, now time.Time, required int) (Fused, error) {
	fresh := make([]Sample, 0, len(samples))
	for _, s := range samples {
		age := now.Sub(time.Unix(0, int64(s.Timestamp*1e9)))
		if age <= maxDataAge {
			fresh = append(fresh, s)
		}
	}
	if required <= 0 {
		required = minSources
	}
	if len(fresh) < required {
		return Fused{}, ErrInsufficientSources
	}

	byType := make(map[SourceKind][]Sample)
	for _, s := range fresh {
		byType[s.SourceType] = append(byType[s.SourceType], s)
	}

	groups := make(map[string]any, len(byType))
	for kind, group := range byType {
		groups[string(kind)] = fuseGroup(group)
	}

	payload := map[string]any{
		"timestamp":     nowSeconds(now),
		"source_count":  len(fresh),
		"integrated_by": nodeID,
	}
	for k, v := range groups {
		payload[k] = v
	}
	canon, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return Fused{}, fmt.Errorf("envdata: canonicalize fused payload: %w", err)
	}

	return Fused{
		Timestamp:    nowSeconds(now),
		SourceCount:  len(fresh),
		IntegratedBy: nodeID,
		Groups:       groups,
		Hash:         crypto.Hash(canon),
	}, nil
}

// fuseGroup combines every sample of a single source type into one
// field map.
func fuseGroup(samples []Sample) map[string]any {
	fieldValues := make(map[string][]weightedValue)
	fieldStrings := make(map[string][]weightedString)

	for _, s := range samples {
		for k, v := range s.Payload {
			switch n := v.(type) {
			case float64:
				fieldValues[k] = append(fieldValues[k], weightedValue{value: n, confidence: s.Confidence})
			case int:
				fieldValues[k] = append(fieldValues[k], weightedValue{value: float64(n), confidence: s.Confidence})
			default:
				fieldStrings[k] = append(fieldStrings[k], weightedString{value: fmt.Sprintf("%v", v), confidence: s.Confidence})
			}
		}
	}

	out := make(map[string]any, len(fieldValues)+len(fieldStrings))
	for field, values := range fieldValues {
		out[field] = weightedMean(rejectOutliers(values))
	}
	for field, values := range fieldStrings {
		out[field] = highestConfidence(values)
	}
	return out
}

type weightedValue struct {
	value      float64
	confidence float64
}

type weightedString struct {
	value      string
	confidence float64
}

// rejectOutliers discards, from a field with at least madMinSampleCount
// values, any value farther than madOutlierThreshold*MAD from the median.
func rejectOutliers(values []weightedValue) []weightedValue {
	if len(values) < madMinSampleCount {
		return values
	}
	raw := make([]float64, len(values))
	for i, v := range values {
		raw[i] = v.value
	}
	med := median(raw)
	deviations := make([]float64, len(raw))
	for i, v := range raw {
		deviations[i] = math.Abs(v - med)
	}
	mad := median(deviations)
	if mad == 0 {
		return values
	}
	kept := make([]weightedValue, 0, len(values))
	for _, v := range values {
		if math.Abs(v.value-med)/mad <= madOutlierThreshold {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return values
	}
	return kept
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func weightedMean(values []weightedValue) float64 {
	var sumW, sumWV float64
	for _, v := range values {
		w := v.confidence
		if w <= 0 {
			w = 0.01 // a zero-confidence sample still contributes a floor weight
		}
		sumW += w
		sumWV += w * v.value
	}
	if sumW == 0 {
		return 0
	}
	return sumWV / sumW
}

func highestConfidence(values []weightedString) string {
	best := values[0]
	for _, v := range values[1:] {
		if v.confidence > best.confidence {
			best = v
		}
	}
	return best.value
}

func nowSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
