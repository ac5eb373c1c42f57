package userdata

// ExecutionType describes what happened to an order in an execution report.
type ExecutionType int

const (
	ExecutionNew ExecutionType = iota
	ExecutionCancelled
	ExecutionReplaced
	ExecutionRejected
	ExecutionTrade
	ExecutionExpired
)

var executionTypes = map[string]ExecutionType{
	"NEW":      ExecutionNew,
	"CANCELED": ExecutionCancelled,
	"REPLACED": ExecutionReplaced,
	"REJECTED": ExecutionRejected,
	"TRADE":    ExecutionTrade,
	"EXPIRED":  ExecutionExpired,
}

// ParseExecutionType maps the wire value of field "x". Unknown values are
// reported with ok == false and must fail the decode.
func ParseExecutionType(s string) (ExecutionType, bool) {
	t, ok := executionTypes[s]
	return t, ok
}

func (t ExecutionType) String() string {
	switch t {
	case ExecutionNew:
		return "NEW"
	case ExecutionCancelled:
		return "CANCELED"
	case ExecutionReplaced:
		return "REPLACED"
	case ExecutionRejected:
		return "REJECTED"
	case ExecutionTrade:
		return "TRADE"
	case ExecutionExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// RejectReason is the reason an order was rejected. RejectNone is also the
// fallback for reasons the table does not know.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectUnknownInstrument
	RejectMarketClosed
	RejectPriceQtyExceedHardLimits
	RejectUnknownOrder
	RejectDuplicateOrder
	RejectUnknownAccount
	RejectInsufficientBalance
	RejectAccountInactive
	RejectAccountCannotSettle
)

var rejectReasons = map[string]RejectReason{
	"NONE":                         RejectNone,
	"UNKNOWN_INSTRUMENT":           RejectUnknownInstrument,
	"MARKET_CLOSED":                RejectMarketClosed,
	"PRICE_QTY_EXCEED_HARD_LIMITS": RejectPriceQtyExceedHardLimits,
	"UNKNOWN_ORDER":                RejectUnknownOrder,
	"DUPLICATE_ORDER":              RejectDuplicateOrder,
	"UNKNOWN_ACCOUNT":              RejectUnknownAccount,
	"INSUFFICIENT_BALANCE":         RejectInsufficientBalance,
	"ACCOUNT_INACTIVE":             RejectAccountInactive,
	"ACCOUNT_CANNOT_SETTLE":        RejectAccountCannotSettle,
}

var rejectReasonNames = func() map[RejectReason]string {
	names := make(map[RejectReason]string, len(rejectReasons))
	for name, r := range rejectReasons {
		names[r] = name
	}
	return names
}()

// ParseRejectReason maps the wire value of field "r". Unknown values map to
// RejectNone with ok == false.
func ParseRejectReason(s string) (RejectReason, bool) {
	r, ok := rejectReasons[s]
	if !ok {
		return RejectNone, false
	}
	return r, true
}

func (r RejectReason) String() string {
	if name, ok := rejectReasonNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// Category selects which subscriber list an event is delivered to.
type Category int

const (
	CategoryGeneric Category = iota
	CategoryAccount
	CategoryOrder
	CategoryTrade

	numCategories = int(CategoryTrade) + 1
)

// Categories lists every category, generic last.
var Categories = []Category{CategoryAccount, CategoryOrder, CategoryTrade, CategoryGeneric}

func (c Category) String() string {
	switch c {
	case CategoryAccount:
		return "account"
	case CategoryOrder:
		return "order"
	case CategoryTrade:
		return "trade"
	case CategoryGeneric:
		return "generic"
	default:
		return "invalid"
	}
}

func (c Category) valid() bool {
	return c >= CategoryGeneric && c <= CategoryTrade
}
