package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/alimk/fieldwatch/pkg/models"
	"github.com/alimk/fieldwatch/pkg/store"
)

// DuplicateGroup is a set of environmental readings stamped within the same
// second and carrying the same comparison fields.
type DuplicateGroup struct {
	Second   time.Time                     `json:"second"`
	Readings []models.EnvironmentalReading `json:"readings"`
}

// IDs returns the reading IDs in the group, oldest first.
func (g DuplicateGroup) IDs() []int64 {
	ids := make([]int64, len(g.Readings))
	for i, r := range g.Readings {
		ids[i] = r.ID
	}
	return ids
}

// FindDuplicates reports readings stored since the given time that share a
// truncated second and comparison fields with another reading. Groups and
// their members come back oldest first. Nothing is modified.
func FindDuplicates(ctx context.Context, st store.Store, since time.Time) ([]DuplicateGroup, error) {
	readings, err := st.EnvironmentalSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load readings: %w", err)
	}

	var groups []DuplicateGroup
	index := make(map[int64][]int) // unix second -> positions in groups
	for _, r := range readings {
		sec := r.Timestamp.Truncate(time.Second)
		key := sec.Unix()
		placed := false
		for _, gi := range index[key] {
			if groups[gi].Readings[0].SameValues(r) {
				groups[gi].Readings = append(groups[gi].Readings, r)
				placed = true
				break
			}
		}
		if !placed {
			index[key] = append(index[key], len(groups))
			groups = append(groups, DuplicateGroup{Second: sec, Readings: []models.EnvironmentalReading{r}})
		}
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g.Readings) > 1 {
			out = append(out, g)
		}
	}
	return out, nil
}
