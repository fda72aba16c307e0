package model

import (
	"fmt"
	"sort"
	"strings"
)

// IDType is the id generation strategy of a repository
type IDType string

const (
	IDVarchar  IDType = "varchar"  // client generated uuid stored as text
	IDUUID     IDType = "uuid"     // client generated uuid stored in a native uuid column
	IDSequence IDType = "sequence" // store generated integer
)

// Valid reports whether t is a known id type
func (t IDType) Valid() bool {
	return t == IDVarchar || t == IDUUID || t == IDSequence
}

// ColumnType is the storage type of a column, mapped to SQL by the dialect
type ColumnType int

const (
	ColumnID ColumnType = iota
	ColumnString
	ColumnText
	ColumnLong
	ColumnDouble
	ColumnBoolean
	ColumnDate
)

// ColumnTypeOf maps a scalar type to its column type
func ColumnTypeOf(t ScalarType) ColumnType {
	switch t {
	case TypeLong:
		return ColumnLong
	case TypeDouble:
		return ColumnDouble
	case TypeBoolean:
		return ColumnBoolean
	case TypeDate:
		return ColumnDate
	}
	return ColumnString
}

// Fixed tables
const (
	HierTable     = "hierarchy"
	VersionTable  = "versions"
	ProxyTable    = "proxies"
	LockTable     = "locks"
	ACLTable      = "acls"
	ReadACLTable  = "read_acls"
	MiscTable     = "misc"
	FulltextTable = "fulltext"
)

// Column keys of the fixed tables
const (
	KeyID            = "id"
	KeyPos           = "pos"
	KeyParentID      = "parentid"
	KeyName          = "name"
	KeyIsProperty    = "isproperty"
	KeyPrimaryType   = "primarytype"
	KeyMixinTypes    = "mixintypes"
	KeyIsCheckedIn   = "ischeckedin"
	KeyBaseVersionID = "baseversionid"
	KeyMajorVersion  = "majorversion"
	KeyIsVersion     = "isversion"
	KeyIsProxy       = "isproxy"
	KeyIsDeleted     = "isdeleted"
	KeyDeletedTime   = "deletedtime"

	KeyVersionableID = "versionableid"
	KeyCreated       = "created"
	KeyLabel         = "label"
	KeyDescription   = "description"
	KeyIsLatest      = "islatest"

	KeyTargetID = "targetid"

	KeyLockOwner   = "owner"
	KeyLockCreated = "created"

	KeyACLName    = "aclname"
	KeyGrant      = "grant"
	KeyPermission = "permission"
	KeyPrincipal  = "principal"

	KeyLifeCycleState = "lifecyclestate"
	KeySimpleText     = "simpletext"

	// KeyItem is the value column of array collection tables
	KeyItem = "item"
)

// Column is a non-key column of a table
type Column struct {
	Name string
	Type ColumnType
}

// Table is a fragment table keyed by node id. Collection tables hold
// several rows per id ordered by pos.
type Table struct {
	Name       string
	Columns    []*Column
	Collection bool

	byName map[string]*Column
}

// Column returns the named column, or nil
func (t *Table) Column(name string) *Column {
	return t.byName[name]
}

// ColumnNames returns the non-key column names in declaration order
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func newTable(name string, collection bool, cols ...*Column) *Table {
	t := &Table{Name: name, Columns: cols, Collection: collection, byName: make(map[string]*Column)}
	for _, c := range cols {
		t.byName[c.Name] = c
	}
	return t
}

// FulltextConfig selects the document types whose text is materialized
type FulltextConfig struct {
	Disabled      bool
	IncludedTypes []string
	ExcludedTypes []string
}

// PropertyInfo locates a property of a node
type PropertyInfo struct {
	// Name is the name used to address the property: dc:title on documents,
	// the bare field name inside complex values
	Name   string
	Schema *Schema
	Field  *Field
	// Table and Column are empty for kinds stored as child nodes
	Table  string
	Column string
}

// Model is the physical layout of a repository
type Model struct {
	IDType   IDType
	Registry *Registry
	Fulltext FulltextConfig

	tables       map[string]*Table
	order        []string
	schemaTables map[string][]string
}

var coreTables = []string{HierTable, VersionTable, ProxyTable, LockTable, ACLTable, ReadACLTable, MiscTable, FulltextTable}

// New builds the physical model for a validated registry
func New(reg *Registry, idType IDType, ft FulltextConfig) (*Model, error) {
	if !idType.Valid() {
		return nil, fmt.Errorf("invalid id type %q", idType)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		IDType:       idType,
		Registry:     reg,
		Fulltext:     ft,
		tables:       make(map[string]*Table),
		schemaTables: make(map[string][]string),
	}

	m.addTable(newTable(HierTable, false,
		&Column{KeyParentID, ColumnID},
		&Column{KeyPos, ColumnLong},
		&Column{KeyName, ColumnString},
		&Column{KeyIsProperty, ColumnBoolean},
		&Column{KeyPrimaryType, ColumnString},
		&Column{KeyMixinTypes, ColumnString},
		&Column{KeyIsCheckedIn, ColumnBoolean},
		&Column{KeyBaseVersionID, ColumnID},
		&Column{KeyMajorVersion, ColumnLong},
		&Column{KeyIsVersion, ColumnBoolean},
		&Column{KeyIsProxy, ColumnBoolean},
		&Column{KeyIsDeleted, ColumnBoolean},
		&Column{KeyDeletedTime, ColumnDate},
	))
	m.addTable(newTable(VersionTable, false,
		&Column{KeyVersionableID, ColumnID},
		&Column{KeyCreated, ColumnDate},
		&Column{KeyLabel, ColumnString},
		&Column{KeyDescription, ColumnString},
		&Column{KeyIsLatest, ColumnBoolean},
	))
	m.addTable(newTable(ProxyTable, false,
		&Column{KeyTargetID, ColumnID},
		&Column{KeyVersionableID, ColumnID},
	))
	m.addTable(newTable(LockTable, false,
		&Column{KeyLockOwner, ColumnString},
		&Column{KeyLockCreated, ColumnDate},
	))
	m.addTable(newTable(ACLTable, true,
		&Column{KeyACLName, ColumnString},
		&Column{KeyGrant, ColumnBoolean},
		&Column{KeyPermission, ColumnString},
		&Column{KeyPrincipal, ColumnString},
	))
	m.addTable(newTable(ReadACLTable, true,
		&Column{KeyPrincipal, ColumnString},
	))
	m.addTable(newTable(MiscTable, false,
		&Column{KeyLifeCycleState, ColumnString},
	))
	m.addTable(newTable(FulltextTable, false,
		&Column{KeySimpleText, ColumnText},
	))

	for _, s := range reg.allSchemas() {
		if err := m.addSchemaTables(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Model) addTable(t *Table) {
	m.tables[t.Name] = t
	m.order = append(m.order, t.Name)
}

func (m *Model) addSchemaTables(s *Schema) error {
	var cols []*Column
	var names []string
	for _, f := range s.Fields {
		if f.Kind == KindScalar {
			cols = append(cols, &Column{Name: sqlName(f.Name), Type: ColumnTypeOf(f.Type)})
		}
	}
	if len(cols) > 0 {
		name := sqlName(s.Name)
		if _, clash := m.tables[name]; clash {
			return fmt.Errorf("schema %s clashes with table %s", s.Name, name)
		}
		m.addTable(newTable(name, false, cols...))
		names = append(names, name)
	}
	for _, f := range s.Fields {
		if f.Kind != KindArray {
			continue
		}
		name := collectionTableName(s, f)
		if _, clash := m.tables[name]; clash {
			return fmt.Errorf("array %s.%s clashes with table %s", s.Name, f.Name, name)
		}
		m.addTable(newTable(name, true, &Column{Name: KeyItem, Type: ColumnTypeOf(f.Type)}))
		names = append(names, name)
	}
	m.schemaTables[s.Name] = names
	return nil
}

// Table returns the named table, or nil
func (m *Model) Table(name string) *Table { return m.tables[name] }

// Tables returns all tables, fixed tables first
func (m *Model) Tables() []*Table {
	out := make([]*Table, len(m.order))
	for i, name := range m.order {
		out[i] = m.tables[name]
	}
	return out
}

// IsCoreTable reports whether name is one of the fixed tables
func IsCoreTable(name string) bool {
	for _, t := range coreTables {
		if t == name {
			return true
		}
	}
	return false
}

// IsComplexType reports whether a primary type names a complex type
func (m *Model) IsComplexType(name string) bool {
	return m.Registry.ComplexType(name) != nil
}

// TypeFragments returns the schema tables holding the values of a node of
// the given type. Fixed tables are not included.
func (m *Model) TypeFragments(primaryType string, mixins []string) []string {
	var out []string
	if ct := m.Registry.ComplexType(primaryType); ct != nil {
		return append(out, m.schemaTables[ct.Name]...)
	}
	for _, s := range m.Registry.SchemasFor(primaryType, mixins) {
		out = append(out, m.schemaTables[s]...)
	}
	return out
}

// SchemaFragments returns the tables of one schema
func (m *Model) SchemaFragments(schema string) []string {
	return m.schemaTables[schema]
}

// Property resolves a property name on a node of the given type. Document
// properties are prefixed (dc:title); complex value fields are not.
func (m *Model) Property(primaryType string, mixins []string, name string) (*PropertyInfo, error) {
	if ct := m.Registry.ComplexType(primaryType); ct != nil {
		f := ct.Field(name)
		if f == nil {
			return nil, fmt.Errorf("no field %s in complex type %s", name, primaryType)
		}
		return m.propertyInfo(name, ct, f), nil
	}

	prefix, local, ok := strings.Cut(name, ":")
	if !ok {
		return nil, fmt.Errorf("property %s is not prefixed", name)
	}
	s := m.Registry.SchemaByPrefix(prefix)
	if s == nil {
		return nil, fmt.Errorf("unknown schema prefix %s", prefix)
	}
	has := false
	for _, sn := range m.Registry.SchemasFor(primaryType, mixins) {
		if sn == s.Name {
			has = true
			break
		}
	}
	if !has {
		return nil, fmt.Errorf("type %s has no schema %s", primaryType, s.Name)
	}
	f := s.Field(local)
	if f == nil {
		return nil, fmt.Errorf("no field %s in schema %s", local, s.Name)
	}
	return m.propertyInfo(name, s, f), nil
}

// PropertyByName resolves a document property without checking the type,
// used by queries spanning several types
func (m *Model) PropertyByName(name string) (*PropertyInfo, error) {
	prefix, local, ok := strings.Cut(name, ":")
	if !ok {
		return nil, fmt.Errorf("property %s is not prefixed", name)
	}
	s := m.Registry.SchemaByPrefix(prefix)
	if s == nil {
		return nil, fmt.Errorf("unknown schema prefix %s", prefix)
	}
	f := s.Field(local)
	if f == nil {
		return nil, fmt.Errorf("no field %s in schema %s", local, s.Name)
	}
	return m.propertyInfo(name, s, f), nil
}

func (m *Model) propertyInfo(name string, s *Schema, f *Field) *PropertyInfo {
	info := &PropertyInfo{Name: name, Schema: s, Field: f}
	switch f.Kind {
	case KindScalar:
		info.Table = sqlName(s.Name)
		info.Column = sqlName(f.Name)
	case KindArray:
		info.Table = collectionTableName(s, f)
		info.Column = KeyItem
	}
	return info
}

// Properties lists every property of a node type, sorted by name
func (m *Model) Properties(primaryType string, mixins []string) []*PropertyInfo {
	var out []*PropertyInfo
	if ct := m.Registry.ComplexType(primaryType); ct != nil {
		for _, f := range ct.Fields {
			out = append(out, m.propertyInfo(f.Name, ct, f))
		}
	} else {
		for _, sn := range m.Registry.SchemasFor(primaryType, mixins) {
			s := m.Registry.Schema(sn)
			for _, f := range s.Fields {
				out = append(out, m.propertyInfo(s.Prefix+":"+f.Name, s, f))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FulltextEnabled reports whether documents of this type get fulltext rows
func (m *Model) FulltextEnabled(primaryType string) bool {
	if m.Fulltext.Disabled {
		return false
	}
	for _, t := range m.Fulltext.ExcludedTypes {
		if t == primaryType {
			return false
		}
	}
	if len(m.Fulltext.IncludedTypes) == 0 {
		return true
	}
	for _, t := range m.Fulltext.IncludedTypes {
		if t == primaryType {
			return true
		}
	}
	return false
}

func collectionTableName(s *Schema, f *Field) string {
	owner := s.Prefix
	if owner == "" {
		owner = s.Name
	}
	return sqlName(owner + "_" + f.Name)
}

// sqlName lowercases and replaces anything outside [a-z0-9_]
func sqlName(name string) string {
	b := []byte(strings.ToLower(name))
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			b[i] = '_'
		}
	}
	return string(b)
}
