package storage

import (
	"strings"

	"docstore/internal/model"
)

// Selections are cached lists of ids sharing a column value: the children
// of a node, the versions of a series, the proxies of a target or series.
// They travel in invalidations as RowIDs whose table is the selection kind.
const (
	selChildren      = "__children__"
	selProperties    = "__properties__"
	selVersions      = "__versions__"
	selTargetProxies = "__proxies_target__"
	selSeriesProxies = "__proxies_series__"
)

func childrenKey(parentID string, complexProp bool) model.RowID {
	if complexProp {
		return model.RowID{Table: selProperties, ID: parentID}
	}
	return model.RowID{Table: selChildren, ID: parentID}
}

func versionsKey(seriesID string) model.RowID {
	return model.RowID{Table: selVersions, ID: seriesID}
}

func targetProxiesKey(targetID string) model.RowID {
	return model.RowID{Table: selTargetProxies, ID: targetID}
}

func seriesProxiesKey(seriesID string) model.RowID {
	return model.RowID{Table: selSeriesProxies, ID: seriesID}
}

func isSelectionKey(rid model.RowID) bool {
	return strings.HasPrefix(rid.Table, "__")
}

// selection holds the ids read from the database plus the ids the session
// added since its last flush. Candidates are filtered against the current
// fragments on every read, so stale entries are harmless.
type selection struct {
	loaded bool
	ids    map[string]struct{}
	added  map[string]struct{}
}

func newSelection() *selection {
	return &selection{ids: make(map[string]struct{}), added: make(map[string]struct{})}
}

func (s *selection) candidates() []string {
	out := make([]string, 0, len(s.ids)+len(s.added))
	for id := range s.ids {
		out = append(out, id)
	}
	for id := range s.added {
		if _, ok := s.ids[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (s *selection) invalidate() {
	s.loaded = false
	s.ids = make(map[string]struct{})
}

// flushed folds session additions into the database view
func (s *selection) flushed() {
	if s.loaded {
		for id := range s.added {
			s.ids[id] = struct{}{}
		}
	}
	s.added = make(map[string]struct{})
}
