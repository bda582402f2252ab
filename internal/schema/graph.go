package schema

import "sort"

// DependencyLevels partitions tables into creation waves: a table in
// level N only references tables in levels < N (or tables outside the
// set, which don't constrain ordering). Self-references are ignored.
//
// Cyclic groups cannot be layered, so once no progress is possible the
// remaining tables land together in one final level. Callers that
// defer FK creation (MirrorScript, the orchestrator) stay correct in
// that case because no FK exists before all CREATEs have run.
//
// Within a level, tables sort by name for deterministic output.
func DependencyLevels(tables []*Table) [][]*Table {
	inSet := make(map[string]*Table, len(tables))
	for _, t := range tables {
		inSet[t.Ref.Key()] = t
	}

	placed := make(map[string]bool, len(tables))
	remaining := make([]*Table, len(tables))
	copy(remaining, tables)

	var levels [][]*Table
	for len(remaining) > 0 {
		var level, next []*Table
		for _, t := range remaining {
			if depsPlaced(t, inSet, placed) {
				level = append(level, t)
			} else {
				next = append(next, t)
			}
		}
		if len(level) == 0 {
			// Cycle: everything left depends on something else left.
			level = next
			next = nil
		}
		sort.Slice(level, func(i, j int) bool {
			return level[i].Ref.Key() < level[j].Ref.Key()
		})
		for _, t := range level {
			placed[t.Ref.Key()] = true
		}
		levels = append(levels, level)
		remaining = next
	}
	return levels
}

func depsPlaced(t *Table, inSet map[string]*Table, placed map[string]bool) bool {
	for _, fk := range t.ForeignKeys {
		key := fk.RefTable.Key()
		if key == t.Ref.Key() {
			continue
		}
		if _, ok := inSet[key]; !ok {
			continue
		}
		if !placed[key] {
			return false
		}
	}
	return true
}
