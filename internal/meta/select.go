package meta

// Select wraps it so only records sel allows are yielded. A rejected
// directory hides its whole subtree, matching what Scan does when given
// the same Selector.
func Select(it Iterator, sel Selector) Iterator {
	if sel == nil {
		return it
	}
	var pruned Index
	pruning := false
	return IteratorFunc(func() (*Record, error) {
		for {
			rec, err := it.Next()
			if err != nil {
				return nil, err
			}
			if pruning && rec.Index.HasPrefix(pruned) {
				continue
			}
			pruning = false
			if len(rec.Index) == 0 || sel.Allow(rec) {
				return rec, nil
			}
			if rec.IsDir() {
				pruned, pruning = rec.Index, true
			}
		}
	}, it.Close)
}
