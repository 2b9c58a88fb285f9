// Package classify maps sender domains to destination sheets.
package classify

import (
	"context"
	"fmt"
	"strings"

	"MailRouter/internal/domain"
	"MailRouter/internal/ports"
)

const messageIDColumnOffset = 6

// Index is the per-run domain lookup table. Within one run it is a pure
// function: a domain resolves to at most one destination.
type Index struct {
	byDomain     map[string]string
	destinations []string
}

// Build folds the ordered configuration rows into a domain lookup. Rows with
// an empty side are dropped, duplicate (destination, domain) pairs collapse
// idempotently, and when one domain appears under two destinations the later
// row wins (table row order).
func Build(rows []domain.ConfigRow) *Index {
	idx := &Index{byDomain: make(map[string]string, len(rows))}
	seenDest := make(map[string]struct{}, len(rows))

	for _, row := range rows {
		dest := strings.TrimSpace(row.Destination)
		dom := strings.ToLower(strings.TrimSpace(row.Domain))
		if dest == "" || dom == "" {
			continue
		}

		idx.byDomain[dom] = dest
		if _, ok := seenDest[dest]; !ok {
			seenDest[dest] = struct{}{}
			idx.destinations = append(idx.destinations, dest)
		}
	}

	return idx
}

// Destination resolves a lower-cased domain to its destination sheet.
func (i *Index) Destination(dom string) (string, bool) {
	dest, ok := i.byDomain[strings.ToLower(strings.TrimSpace(dom))]
	return dest, ok
}

// Destinations returns the distinct destination names in first-seen order.
func (i *Index) Destinations() []string {
	return i.destinations
}

// Len reports the number of mapped domains.
func (i *Index) Len() int {
	return len(i.byDomain)
}

// LoadSeenIDs pulls the persisted message-id column of every destination the
// index routes to. It is the authoritative cross-run duplicate safety net,
// independent of the in-memory history.
func LoadSeenIDs(ctx context.Context, store ports.SheetStore, idx *Index) (map[string]map[string]struct{}, error) {
	seen := make(map[string]map[string]struct{}, len(idx.destinations))

	for _, dest := range idx.destinations {
		ids, err := store.ReadColumn(ctx, dest, messageIDColumnOffset)
		if err != nil {
			return nil, fmt.Errorf("read message ids of %s: %w", dest, err)
		}

		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id == "" {
				continue
			}
			set[id] = struct{}{}
		}
		seen[dest] = set
	}

	return seen, nil
}
