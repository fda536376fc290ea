package actions

import "sort"

// TableRows pairs a table name with a set of row ids.
type TableRows struct {
	Table string
	Rows  *RowSet
}

// tableState tracks one table identity while walking a bundle.
type tableState struct {
	// touched holds pre-existing row ids modified or removed so far.
	touched *RowSet
	// ephemeral holds row ids added within the bundle. Touching an
	// ephemeral row never counts: the row did not exist before the bundle.
	ephemeral *RowSet
	// created marks a table added within the bundle; none of its rows
	// pre-exist, so nothing it accumulates is ever reported.
	created bool
	// firstTouch orders result entries by the first pre-existing touch.
	firstTouch int
}

func newTableState() *tableState {
	return &tableState{
		touched:    NewRowSet(),
		ephemeral:  NewRowSet(),
		firstTouch: -1,
	}
}

// RelatedRows walks a bundle in order and returns, per table, the set of
// pre-existing row ids the bundle touches. Entries appear in the order each
// table's first counted row was touched; tables with no counted rows are
// omitted. Rows added and then updated or removed within the same bundle are
// excluded, renames carry accumulated state forward under the new name, and
// replacing a table's data resets its accumulated state so only later touches
// count.
func RelatedRows(bundle Bundle) []TableRows {
	type entry struct {
		table string
		st    *tableState
	}
	working := make(map[string]*tableState)
	var finalized []entry

	clock := 0
	state := func(table string) *tableState {
		st, ok := working[table]
		if !ok {
			st = newTableState()
			working[table] = st
		}
		return st
	}
	touch := func(st *tableState, rowIDs []uint32) {
		if st.created {
			return
		}
		for _, id := range rowIDs {
			if st.ephemeral.Contains(id) {
				continue
			}
			if st.firstTouch < 0 {
				st.firstTouch = clock
				clock++
			}
			st.touched.Add(id)
		}
	}

	for _, a := range bundle {
		switch a.Kind {
		case KindAddRecord:
			st := state(a.Table)
			for _, id := range a.RowIDs {
				st.ephemeral.Add(id)
			}
		case KindUpdateRecord, KindRemoveRecord:
			touch(state(a.Table), a.RowIDs)
		case KindAddTable:
			// A table created inside the bundle has no pre-existing rows.
			// Reusing a previously removed name starts a fresh identity.
			st := newTableState()
			st.created = true
			working[a.Table] = st
		case KindRemoveTable:
			if st, ok := working[a.Table]; ok {
				delete(working, a.Table)
				if !st.touched.IsEmpty() {
					finalized = append(finalized, entry{table: a.Table, st: st})
				}
			}
		case KindRenameTable:
			if st, ok := working[a.Table]; ok {
				delete(working, a.Table)
				working[a.NewTable] = st
			}
		case KindReplaceTableData:
			// Replacing the data invalidates prior row identity; only rows
			// touched after the replace count for this table.
			working[a.Table] = newTableState()
		}
	}

	entries := finalized
	for table, st := range working {
		if st.touched.IsEmpty() {
			continue
		}
		entries = append(entries, entry{table: table, st: st})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].st.firstTouch < entries[j].st.firstTouch
	})

	result := make([]TableRows, 0, len(entries))
	for _, e := range entries {
		result = append(result, TableRows{Table: e.table, Rows: e.st.touched})
	}
	return result
}
