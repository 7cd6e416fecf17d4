// Package envdata implements the Environmental Data Integrator: it pulls
// heterogeneous samples from pluggable sources, fuses them into a single
// per-slot payload, and feeds that payload into the Pulse Generator just
// before the leader emits its next link. See spec.md §4.6.
package envdata

import "time"

// SourceKind tags the flavor of an EnvSource, per spec.md §3.
type SourceKind string

const (
	KindMarket  SourceKind = "market"
	KindWeather SourceKind = "weather"
	KindTime    SourceKind = "time"
	KindNetwork SourceKind = "network"
	KindSystem  SourceKind = "system"
	KindCustom  SourceKind = "custom"
)

// maxErrors is the consecutive-error ceiling past which a source's cached
// sample is still returned, but at a further-reduced confidence floor.
const maxErrors = 5

// maxDataAge bounds how stale a cached sample may be before fusion
// discards it outright.
const maxDataAge = 5 * time.Minute

// Fetcher pulls one fresh sample from an external source. Implementations
// for market/weather/custom hit an HTTP endpoint; time/network/system
// synthesize values from local signals.
type Fetcher interface {
	Fetch() (map[string]any, error)
}

// SourceConfig describes one configured EnvSource (spec.md §6's env-data
// collector JSON document: source_id, source_type, api_url, api_key,
// update_interval, params, enabled).
type SourceConfig struct {
	SourceID        string         `json:"source_id"`
	SourceType      SourceKind     `json:"source_type"`
	APIURL          string         `json:"api_url,omitempty"`
	APIKey          string         `json:"api_key,omitempty"`
	UpdateIntervalS float64        `json:"update_interval"`
	Params          map[string]any `json:"params,omitempty"`
	Enabled         bool           `json:"enabled"`
	Weight          float64        `json:"weight,omitempty"`
}

// UpdateInterval converts the wire seconds value to a time.Duration.
func (c SourceConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalS * float64(time.Second))
}

// Source is one registered EnvSource: its static config plus the mutable
// poll state (cache, error count) the collector maintains around it.
type Source struct {
	Config  SourceConfig
	Fetcher Fetcher

	lastSample *Sample
	lastPolled time.Time
	errCount   int
}
