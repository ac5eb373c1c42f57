package userdata

import (
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// Identity is an opaque handle for one exchange account. The zero value is
// unset and is rejected by the registry.
type Identity string

// Event is one decoded user data event. The set is closed: AccountUpdate,
// OrderUpdate and TradeUpdate.
type Event interface {
	Category() Category
	EventTime() time.Time
	isEvent()
}

// Balance is one asset line of an account snapshot. Amounts are values,
// not wire text: "1.0" and "1.00000000" decode equal. Render with
// StringFixed(8) to get Binance's eight-place form back.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// AccountUpdate carries commission rates, permissions and balances.
type AccountUpdate struct {
	Time time.Time

	// Commission rates in basis points.
	MakerCommission  int64
	TakerCommission  int64
	BuyerCommission  int64
	SellerCommission int64

	CanTrade    bool
	CanWithdraw bool
	CanDeposit  bool

	BalancesTime time.Time
	Balances     []Balance
}

func (e *AccountUpdate) Category() Category   { return CategoryAccount }
func (e *AccountUpdate) EventTime() time.Time { return e.Time }
func (*AccountUpdate) isEvent()               {}

// Order is the order snapshot embedded in every execution report.
type Order struct {
	Owner Identity

	Symbol           string
	ID               int64
	Time             time.Time
	Price            decimal.Decimal
	OriginalQuantity decimal.Decimal
	ExecutedQuantity decimal.Decimal
	Status           binance.OrderStatusType
	TimeInForce      binance.TimeInForceType
	Type             binance.OrderType
	Side             binance.SideType
	StopPrice        decimal.Decimal
	IcebergQuantity  decimal.Decimal
	ClientOrderID    string
}

// OrderUpdate is an execution report for anything other than a fill.
type OrderUpdate struct {
	Time             time.Time
	Order            Order
	ExecutionType    ExecutionType
	RejectReason     RejectReason
	NewClientOrderID string
}

func (e *OrderUpdate) Category() Category   { return CategoryOrder }
func (e *OrderUpdate) EventTime() time.Time { return e.Time }
func (*OrderUpdate) isEvent()               {}

// TradeUpdate is an execution report whose execution type is TRADE.
type TradeUpdate struct {
	OrderUpdate

	TradeID            int64
	FillPrice          decimal.Decimal
	CumulativeQuantity decimal.Decimal
	Commission         decimal.Decimal
	CommissionAsset    string
	FillTime           time.Time
	IsBuyer            bool
	IsBuyerMaker       bool
	IsBestPrice        bool
	// Quantity filled by this fill alone.
	FillQuantity decimal.Decimal
}

func (e *TradeUpdate) Category() Category   { return CategoryTrade }
func (e *TradeUpdate) EventTime() time.Time { return e.Time }
func (*TradeUpdate) isEvent()               {}
