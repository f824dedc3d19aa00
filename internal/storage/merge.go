package storage

import "github.com/quereus/quereus/internal/value"

// mergeLayerInto replays child's local entries (values and tombstones) onto
// parent directly. Used when releasing a savepoint: the savepoint's layer
// collapses into the layer below it instead of staying on the chain.
func mergeLayerInto(parent, child *Layer) {
	child.primary.ForEachLocal(func(k value.EncodedKey, row value.Row, tomb bool) bool {
		if tomb {
			_ = parent.primary.Tombstone(k)
		} else {
			_ = parent.primary.Put(k, row)
		}
		return true
	})
	for name, cm := range child.secondary {
		pm, ok := parent.secondary[name]
		if !ok {
			continue
		}
		cm.ForEachLocal(func(k value.EncodedKey, pk value.PrimaryKey, tomb bool) bool {
			if tomb {
				_ = pm.Tombstone(k)
			} else {
				_ = pm.Put(k, pk)
			}
			return true
		})
	}
}
