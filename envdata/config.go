package envdata

import (
	"encoding/json"
	"fmt"
	"os"
)

// sourceDocument is the on-disk shape of the env-data collector config
// named by config.Config.EnvConfigPath, per spec.md §6.
type sourceDocument struct {
	Sources    []SourceConfig `json:"sources"`
	MinSources int            `json:"min_sources"`
}

// LoadSources reads a source document from path and registers each
// configured source on c, building the appropriate Fetcher by source
// kind: market/weather/custom get an HTTPFetcher against their
// endpoint; time/network/system are synthesized locally and need no
// endpoint.
func LoadSources(c *Collector, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("envdata: read source config %s: %w", path, err)
	}
	var doc sourceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("envdata: parse source config %s: %w", path, err)
	}

	if doc.MinSources > 0 {
		c.SetMinSources(doc.MinSources)
	}
	for _, cfg := range doc.Sources {
		fetcher, err := fetcherFor(cfg)
		if err != nil {
			return fmt.Errorf("envdata: source %s: %w", cfg.SourceID, err)
		}
		c.AddSource(cfg, fetcher)
	}
	return nil
}

func fetcherFor(cfg SourceConfig) (Fetcher, error) {
	switch cfg.SourceType {
	case KindMarket, KindWeather, KindCustom:
		if cfg.APIURL == "" {
			return nil, fmt.Errorf("source type %q requires api_url", cfg.SourceType)
		}
		return NewHTTPFetcher(cfg.APIURL, cfg.APIKey), nil
	case KindTime:
		return NewTimeFetcher(), nil
	case KindNetwork:
		return NewNetworkFetcher(), nil
	case KindSystem:
		return NewSystemFetcher(), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.SourceType)
	}
}
