package syncer

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Version is one side of a conflict: a payload and the time it was produced.
type Version struct {
	Payload   any
	Timestamp time.Time
}

// Resolver chooses the version to keep when the local side is newer than
// an incoming remote version.
type Resolver func(local, remote Version) Version

// DefaultHistoryWindow bounds merged performance history.
const DefaultHistoryWindow = 100

// DefaultResolvers returns the built-in per-domain policies.
func DefaultResolvers() map[string]Resolver {
	return map[string]Resolver{
		DomainMachine:     MostRecent,
		DomainJob:         LocalWhileRunning,
		DomainPerformance: MergeHistory(DefaultHistoryWindow),
	}
}

// MostRecent keeps the version with the later timestamp; ties go to remote.
func MostRecent(local, remote Version) Version {
	if local.Timestamp.After(remote.Timestamp) {
		return local
	}
	return remote
}

// LocalWhileRunning keeps the local version whenever its status field is
// "running", and otherwise falls back to MostRecent.
func LocalWhileRunning(local, remote Version) Version {
	if p, ok := local.Payload.(map[string]any); ok && p["status"] == "running" {
		return local
	}
	return MostRecent(local, remote)
}

// MergeHistory returns a resolver that unions the "history" arrays of both
// sides, de-duplicated and ordered by each entry's "timestamp", keeping the
// newest window entries. Every other field comes from the remote payload.
func MergeHistory(window int) Resolver {
	return func(local, remote Version) Version {
		lp, lok := local.Payload.(map[string]any)
		rp, rok := remote.Payload.(map[string]any)
		if !lok || !rok {
			return MostRecent(local, remote)
		}

		merged := maps.Clone(rp)
		var history []any
		seen := make(map[string]bool)
		for _, src := range [][]any{asSlice(lp["history"]), asSlice(rp["history"])} {
			for _, entry := range src {
				key, err := json.Marshal(entry)
				if err != nil || seen[string(key)] {
					continue
				}
				seen[string(key)] = true
				history = append(history, entry)
			}
		}
		slices.SortStableFunc(history, func(a, b any) int {
			ta, tb := entryTimestamp(a), entryTimestamp(b)
			switch {
			case ta < tb:
				return -1
			case ta > tb:
				return 1
			}
			return 0
		})
		if window > 0 && len(history) > window {
			history = history[len(history)-window:]
		}
		merged["history"] = history

		ts := remote.Timestamp
		if local.Timestamp.After(ts) {
			ts = local.Timestamp
		}
		return Version{Payload: merged, Timestamp: ts}
	}
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func entryTimestamp(entry any) float64 {
	m, ok := entry.(map[string]any)
	if !ok {
		return 0
	}
	switch ts := m["timestamp"].(type) {
	case float64:
		return ts
	case int64:
		return float64(ts)
	case int:
		return float64(ts)
	}
	return 0
}
