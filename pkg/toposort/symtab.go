package toposort

// SymbolTable maps node names to dense integer ids. Not safe for concurrent
// use; a Graph owns exactly one.
type SymbolTable struct {
	ids   map[string]int
	names []string
}

// NewSymbolTable creates an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{ids: make(map[string]int)}
}

// Intern returns the id of name, assigning the next free id on first sight.
func (table *SymbolTable) Intern(name string) int {
	if id, ok := table.ids[name]; ok {
		return id
	}

	id := len(table.names)
	table.names = append(table.names, name)
	table.ids[name] = id

	return id
}

// Lookup returns the id of name without interning it.
func (table *SymbolTable) Lookup(name string) (int, bool) {
	id, ok := table.ids[name]

	return id, ok
}

// Resolve returns the name behind id, or "" for an unknown id.
func (table *SymbolTable) Resolve(id int) string {
	if id < 0 || id >= len(table.names) {
		return ""
	}

	return table.names[id]
}

// Len returns the number of interned names.
func (table *SymbolTable) Len() int {
	return len(table.names)
}
