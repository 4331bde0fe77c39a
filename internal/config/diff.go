package config

import (
	"reflect"
	"sort"

	"batchlog/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists the changed top-level sections.
	Sections []string
	// Added, Removed and Modified list destination keys.
	Added    []string
	Removed  []string
	Modified []string
}

func (c Change) Empty() bool {
	return len(c.Sections) == 0 && len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// Fields renders c for structured logging. Sink secrets are never included.
func (c Change) Fields() []logx.Field {
	return []logx.Field{
		logx.Strs("sections", c.Sections),
		logx.Strs("dest_added", c.Added),
		logx.Strs("dest_removed", c.Removed),
		logx.Strs("dest_modified", c.Modified),
	}
}

// SummarizeConfigChange compares two configs. A nil config counts as empty.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		ch.Sections = append(ch.Sections, "scheduler")
	}
	if oldCfg.Drain != newCfg.Drain {
		ch.Sections = append(ch.Sections, "drain")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		ch.Sections = append(ch.Sections, "storage")
	}
	if oldCfg.Stats != newCfg.Stats {
		ch.Sections = append(ch.Sections, "stats")
	}
	if oldCfg.Admin != newCfg.Admin {
		ch.Sections = append(ch.Sections, "admin")
	}

	for key, nd := range newCfg.Destinations {
		od, ok := oldCfg.Destinations[key]
		switch {
		case !ok:
			ch.Added = append(ch.Added, key)
		case !reflect.DeepEqual(od, nd):
			ch.Modified = append(ch.Modified, key)
		}
	}
	for key := range oldCfg.Destinations {
		if _, ok := newCfg.Destinations[key]; !ok {
			ch.Removed = append(ch.Removed, key)
		}
	}
	if len(ch.Added)+len(ch.Removed)+len(ch.Modified) > 0 {
		ch.Sections = append(ch.Sections, "destinations")
	}
	sort.Strings(ch.Added)
	sort.Strings(ch.Removed)
	sort.Strings(ch.Modified)
	return ch
}

// TimingOnly reports whether old and new differ only in batch and throttle
// timings, which a running destination can take without being rebuilt.
func TimingOnly(oldDest, newDest DestinationConfig) bool {
	oldDest.Batch, newDest.Batch = BatchConfig{}, BatchConfig{}
	if (oldDest.Throttle == nil) != (newDest.Throttle == nil) {
		return false
	}
	oldDest.Throttle, newDest.Throttle = nil, nil
	return reflect.DeepEqual(oldDest, newDest)
}
