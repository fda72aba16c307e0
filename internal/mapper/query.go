package mapper

// Op is a comparison operator of a query condition
type Op string

const (
	OpEq      Op = "="
	OpNotEq   Op = "<>"
	OpLt      Op = "<"
	OpLte     Op = "<="
	OpGt      Op = ">"
	OpGte     Op = ">="
	OpLike    Op = "LIKE"
	OpIn      Op = "IN"
	OpIsNull  Op = "IS NULL"
	OpNotNull Op = "IS NOT NULL"
)

// System fields usable in conditions, orderings and projections. Any other
// field is a prefixed schema property such as dc:title.
const (
	FieldID             = "ecm:uuid"
	FieldParentID       = "ecm:parentId"
	FieldName           = "ecm:name"
	FieldPos            = "ecm:pos"
	FieldPrimaryType    = "ecm:primaryType"
	FieldMixinType      = "ecm:mixinType"
	FieldIsProxy        = "ecm:isProxy"
	FieldIsVersion      = "ecm:isVersion"
	FieldIsCheckedIn    = "ecm:isCheckedIn"
	FieldAncestorID     = "ecm:ancestorId"
	FieldFulltext       = "ecm:fulltext"
	FieldLifeCycleState = "ecm:currentLifeCycleState"
	FieldVersionLabel   = "ecm:versionLabel"
	FieldVersionSeries  = "ecm:versionVersionableId"
	FieldIsLatest       = "ecm:isLatestVersion"
	FieldProxyTarget    = "ecm:proxyTargetId"
)

// Condition restricts results. Conditions of a Query are ANDed.
//
// On array properties OpEq means "contains" and OpIn "contains any".
// FieldMixinType accepts OpEq/OpNotEq only. FieldAncestorID and
// FieldFulltext accept OpEq only.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Order sorts results
type Order struct {
	Field string
	Desc  bool
}

// Query is a structured document query. Property nodes and soft-deleted
// nodes never match.
type Query struct {
	Conditions []Condition
	Order      []Order
}

// Where appends a condition and returns q
func (q *Query) Where(field string, op Op, value any) *Query {
	q.Conditions = append(q.Conditions, Condition{Field: field, Op: op, Value: value})
	return q
}

// OrderBy appends an ordering and returns q
func (q *Query) OrderBy(field string, desc bool) *Query {
	q.Order = append(q.Order, Order{Field: field, Desc: desc})
	return q
}

// QueryFilter carries the security and paging constraints of a query.
//
// When Principals is empty no security filtering happens. Permissions is
// informational for the mapper: read ACLs already encode browse rights.
type QueryFilter struct {
	Principals  []string
	Permissions []string
	Limit       int
	Offset      int
	// CountTotal asks for the total size ignoring paging
	CountTotal bool
}

// PartialList is a page of ids. TotalSize is -1 when not counted.
type PartialList struct {
	IDs       []string
	TotalSize int64
}
