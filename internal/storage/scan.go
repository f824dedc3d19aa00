package storage

import (
	"github.com/quereus/quereus/internal/omap"
	"github.com/quereus/quereus/internal/value"
)

// ScanPrimary walks the primary key range visible to conn, in key order.
// Because every transaction layer's primary map is parented (via omap) on
// the layer it was built from, a single omap.Scan over the top of conn's
// layer stack already merges the pending layer (if any) with the full
// committed chain (§4.5: "a single per-table operator... merges ordered
// streams from the pending layer with the committed parent chain").
func (tm *TableManager) ScanPrimary(conn *Connection, r omap.Range, dir value.Direction, yield func(row value.Row) bool) {
	conn.ReadLayer().primary.Scan(r, dir, func(_ value.EncodedKey, row value.Row) bool {
		return yield(row)
	})
}

// ScanIndex walks a secondary index's key range visible to conn, joining
// each matching index entry back to its primary row. A primary key present
// in the index but no longer resolvable in the primary map (possible only
// under a broken invariant) is silently skipped rather than surfaced as a
// row with missing data.
func (tm *TableManager) ScanIndex(conn *Connection, indexName string, r omap.Range, dir value.Direction, yield func(row value.Row) bool) {
	layer := conn.ReadLayer()
	idx, ok := layer.secondary[indexName]
	if !ok {
		return
	}
	idx.Scan(r, dir, func(_ value.EncodedKey, pk value.PrimaryKey) bool {
		row, found := tm.LookupEffectiveRow(conn, pk)
		if !found {
			return true
		}
		return yield(row)
	})
}
