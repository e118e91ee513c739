package event

import "fmt"

// Summary returns a one-line human description of the transaction,
// suitable for structured log attrs.
func (t *Transaction) Summary() string {
	if t.Failed {
		return fmt.Sprintf("%s %s failed: %s", t.Method, t.URL, t.ErrorText)
	}
	return fmt.Sprintf("%s %s %d", t.Method, t.URL, t.Status)
}

// Summary returns a one-line human description of the storage change.
func (s *StorageChange) Summary() string {
	switch s.Type {
	case StorageInitialCookies:
		return fmt.Sprintf("initial cookies: %d", len(s.Cookies))
	case StorageCookieChange:
		return fmt.Sprintf("cookies: +%d -%d ~%d", len(s.Added), len(s.Removed), len(s.Modified))
	case StorageIndexedDBEvent:
		return fmt.Sprintf("indexeddb %s/%s", s.DatabaseName, s.ObjectStoreName)
	default:
		if s.Key != "" {
			return fmt.Sprintf("%s %s", s.Type, s.Key)
		}
		return string(s.Type)
	}
}

// Summary returns a one-line human description of the property update.
func (p *PropertyUpdate) Summary() string {
	return fmt.Sprintf("%d changes, %d keys tracked", len(p.Changes), p.TotalKeys)
}

// Summary returns a one-line human description of the interaction.
func (i *Interaction) Summary() string {
	if i.Element != nil && i.Element.Tag != "" {
		return fmt.Sprintf("%s on <%s>", i.Kind, i.Element.Tag)
	}
	return i.Kind
}

// Summary returns a one-line human description of the snapshot.
func (d *DOMSnapshot) Summary() string {
	return fmt.Sprintf("snapshot of %s", d.URL)
}

// Sighting is one (category, timestamp) observation of an emitted record.
type Sighting struct {
	Category Category `json:"category"`
	Seen     float64  `json:"seen"`
}

// StreamSummary aggregates the sightings of one category.
type StreamSummary struct {
	Count     int     `json:"count"`
	FirstSeen float64 `json:"first_seen"`
	LastSeen  float64 `json:"last_seen"`
}

// Summarize folds sightings into per-category stream summaries.
func Summarize(sightings []Sighting) map[Category]StreamSummary {
	out := make(map[Category]StreamSummary, 4)
	for _, s := range sightings {
		agg, ok := out[s.Category]
		if !ok || s.Seen < agg.FirstSeen {
			agg.FirstSeen = s.Seen
		}
		if s.Seen > agg.LastSeen {
			agg.LastSeen = s.Seen
		}
		agg.Count++
		out[s.Category] = agg
	}
	return out
}
