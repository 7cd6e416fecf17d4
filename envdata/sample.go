package envdata

import (
	"fmt"

	"github.com/tolelom/pulsechain/crypto"
)

// Sample is one EnvSample: a timestamped, confidence-weighted payload
// pulled from a single source (spec.md §3).
type Sample struct {
	SourceID   string
	Timestamp  float64
	SourceType SourceKind
	Payload    map[string]any
	Confidence float64
	Digest     string
}

// newSample computes Digest = SHA256(source_id ‖ timestamp ‖ canonical(payload)).
func newSample(sourceID string, timestamp float64, sourceType SourceKind, payload map[string]any, confidence float64) (Sample, error) {
	canon, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return Sample{}, fmt.Errorf("envdata: canonicalize payload: %w", err)
	}
	data := fmt.Sprintf("%s%v%s", sourceID, timestamp, canon)
	return Sample{
		SourceID:   sourceID,
		Timestamp:  timestamp,
		SourceType: sourceType,
		Payload:    payload,
		Confidence: confidence,
		Digest:     crypto.Hash([]byte(data)),
	}, nil
}
