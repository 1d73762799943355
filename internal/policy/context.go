package policy

// RequestContext is the business context a caller supplies when asking
// whether (and how) an operation must be approved. The field set is closed:
// chain conditions may only reference the named fields below.
type RequestContext struct {
	OperationType string
	EntityType    string
	EntityID      string
	RequesterID   string
	RequesterRole Role
	Amount        int64 // minor units (cents)
	Currency      string
	Department    string
	Description   string
	// RequestData is an opaque snapshot of the protected operation's payload,
	// persisted on the request for audit replay. It is not visible to
	// chain conditions.
	RequestData map[string]any
}

// Condition field names. These are the only fields a condition tree may
// reference; Validate rejects anything else.
const (
	FieldAmount        = "amount"
	FieldCurrency      = "currency"
	FieldRequesterRole = "requester_role"
	FieldEntityType    = "entity_type"
	FieldDepartment    = "department"
)

// fieldKind describes the value type a context field carries.
type fieldKind int

const (
	kindInt fieldKind = iota
	kindString
)

var contextFields = map[string]fieldKind{
	FieldAmount:        kindInt,
	FieldCurrency:      kindString,
	FieldRequesterRole: kindString,
	FieldEntityType:    kindString,
	FieldDepartment:    kindString,
}

// lookup returns the context value for a known field name.
func (c *RequestContext) lookup(field string) (any, bool) {
	switch field {
	case FieldAmount:
		return c.Amount, true
	case FieldCurrency:
		return c.Currency, true
	case FieldRequesterRole:
		return string(c.RequesterRole), true
	case FieldEntityType:
		return c.EntityType, true
	case FieldDepartment:
		return c.Department, true
	}
	return nil, false
}
