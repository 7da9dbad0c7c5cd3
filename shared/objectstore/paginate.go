package objectstore

import (
	"sort"
	"strings"
)

// Paginate builds a ListPage out of a complete, unordered listing. It is
// used by backends without native key-ordered pagination.
func Paginate(objects []ObjectInfo, prefix, marker string, limit int) ListPage {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	filtered := make([]ObjectInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, prefix) {
			continue
		}
		if marker != "" && obj.Key <= marker {
			continue
		}
		filtered = append(filtered, obj)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Key < filtered[j].Key
	})

	if len(filtered) <= limit {
		return ListPage{Objects: filtered}
	}

	page := filtered[:limit]
	return ListPage{
		Objects:    page,
		NextMarker: page[len(page)-1].Key,
	}
}
