package actions

import "fmt"

// Kind identifies the type of a mutation action.
type Kind uint8

const (
	// KindAddRecord inserts one or more new rows into a table.
	KindAddRecord Kind = iota + 1
	// KindUpdateRecord modifies one or more existing rows.
	KindUpdateRecord
	// KindRemoveRecord deletes one or more rows.
	KindRemoveRecord
	// KindAddTable creates a table.
	KindAddTable
	// KindRemoveTable drops a table.
	KindRemoveTable
	// KindRenameTable renames a table.
	KindRenameTable
	// KindReplaceTableData replaces a table's entire contents.
	KindReplaceTableData
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindAddRecord:
		return "AddRecord"
	case KindUpdateRecord:
		return "UpdateRecord"
	case KindRemoveRecord:
		return "RemoveRecord"
	case KindAddTable:
		return "AddTable"
	case KindRemoveTable:
		return "RemoveTable"
	case KindRenameTable:
		return "RenameTable"
	case KindReplaceTableData:
		return "ReplaceTableData"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Action is one tagged mutation record inside a bundle. Table names the
// table by its current name at the time the action applies. Row actions
// carry one or more row ids; RenameTable carries the new name in NewTable.
type Action struct {
	Kind     Kind
	Table    string
	NewTable string
	RowIDs   []uint32
}

// Bundle is an ordered batch of mutation actions applied atomically to a
// document.
type Bundle []Action

// AddRecord returns an action inserting a single row.
func AddRecord(table string, rowID uint32) Action {
	return Action{Kind: KindAddRecord, Table: table, RowIDs: []uint32{rowID}}
}

// BulkAddRecord returns an action inserting several rows.
func BulkAddRecord(table string, rowIDs ...uint32) Action {
	return Action{Kind: KindAddRecord, Table: table, RowIDs: rowIDs}
}

// UpdateRecord returns an action modifying a single row.
func UpdateRecord(table string, rowID uint32) Action {
	return Action{Kind: KindUpdateRecord, Table: table, RowIDs: []uint32{rowID}}
}

// BulkUpdateRecord returns an action modifying several rows.
func BulkUpdateRecord(table string, rowIDs ...uint32) Action {
	return Action{Kind: KindUpdateRecord, Table: table, RowIDs: rowIDs}
}

// RemoveRecord returns an action deleting a single row.
func RemoveRecord(table string, rowID uint32) Action {
	return Action{Kind: KindRemoveRecord, Table: table, RowIDs: []uint32{rowID}}
}

// BulkRemoveRecord returns an action deleting several rows.
func BulkRemoveRecord(table string, rowIDs ...uint32) Action {
	return Action{Kind: KindRemoveRecord, Table: table, RowIDs: rowIDs}
}

// AddTable returns an action creating a table.
func AddTable(table string) Action {
	return Action{Kind: KindAddTable, Table: table}
}

// RemoveTable returns an action dropping a table.
func RemoveTable(table string) Action {
	return Action{Kind: KindRemoveTable, Table: table}
}

// RenameTable returns an action renaming oldName to newName.
func RenameTable(oldName, newName string) Action {
	return Action{Kind: KindRenameTable, Table: oldName, NewTable: newName}
}

// ReplaceTableData returns an action replacing a table's entire contents.
func ReplaceTableData(table string) Action {
	return Action{Kind: KindReplaceTableData, Table: table}
}
