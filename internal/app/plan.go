package app

import (
	"batchlog/internal/batcher"
	"batchlog/internal/config"
)

// DestinationPlan is the effective policy of one destination after
// defaults are applied.
type DestinationPlan struct {
	Key      string
	Type     string
	Disabled bool
	MinLevel string
	Loggers  []string
	Batch    batcher.Config
}

// Plan resolves cfg the way NewFromConfig would, without building sinks or
// opening storage. Destinations are sorted by key.
func Plan(cfg *config.Config) ([]DestinationPlan, batcher.DrainOptions, error) {
	if err := cfg.Validate(); err != nil {
		return nil, batcher.DrainOptions{}, err
	}
	drain, err := mapDrainOptions(cfg)
	if err != nil {
		return nil, batcher.DrainOptions{}, err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return nil, batcher.DrainOptions{}, err
	}

	out := make([]DestinationPlan, 0, len(cfg.Destinations))
	for _, key := range sortedKeys(cfg.Destinations) {
		dc := cfg.Destinations[key]
		f, err := mapFilter(key, dc)
		if err != nil {
			return nil, drain, err
		}
		bcfg, err := mapBatcherConfig(key, dc)
		if err != nil {
			return nil, drain, err
		}
		out = append(out, DestinationPlan{
			Key:      key,
			Type:     dc.Type,
			Disabled: !dc.Enabled(),
			MinLevel: f.minLevel.String(),
			Loggers:  f.prefixes,
			Batch:    bcfg,
		})
	}
	return out, drain, nil
}
