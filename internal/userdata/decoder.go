package userdata

import (
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/bitly/go-simplejson"
	"github.com/shopspring/decimal"

	"userstream/logger"
)

const (
	eventAccountInfo     = "outboundAccountInfo"
	eventExecutionReport = "executionReport"
)

// Decoder turns raw user data envelopes into events.
type Decoder struct {
	log *logger.Log
}

func NewDecoder(log *logger.Log) *Decoder {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Decoder{log: log}
}

// Decode parses one envelope owned by identity. Every field is required
// and type checked; failures wrap ErrDecode. Discriminators other than
// account info and execution report return ErrUnknownEvent.
func (d *Decoder) Decode(owner Identity, raw []byte) (Event, error) {
	js, err := simplejson.NewJson(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	f := &fields{js: js}
	kind := f.str("e")
	if f.err != nil {
		return nil, f.err
	}

	switch kind {
	case eventAccountInfo:
		return d.decodeAccount(f)
	case eventExecutionReport:
		return d.decodeExecution(owner, f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
}

func (d *Decoder) decodeAccount(f *fields) (Event, error) {
	ev := &AccountUpdate{
		Time:             f.millis("E"),
		MakerCommission:  f.int64("m"),
		TakerCommission:  f.int64("t"),
		BuyerCommission:  f.int64("b"),
		SellerCommission: f.int64("s"),
		CanTrade:         f.boolean("T"),
		CanWithdraw:      f.boolean("W"),
		CanDeposit:       f.boolean("D"),
		BalancesTime:     f.millis("u"),
	}

	items := f.array("B")
	ev.Balances = make([]Balance, 0, len(items))
	for i := range items {
		b := f.index("B", i)
		ev.Balances = append(ev.Balances, Balance{
			Asset:  b.str("a"),
			Free:   b.decimal("f"),
			Locked: b.decimal("l"),
		})
		if b.err != nil {
			return nil, fmt.Errorf("balance %d: %w", i, b.err)
		}
	}

	if f.err != nil {
		return nil, f.err
	}
	return ev, nil
}

func (d *Decoder) decodeExecution(owner Identity, f *fields) (Event, error) {
	order := Order{
		Owner:            owner,
		Symbol:           f.str("s"),
		ID:               f.int64("i"),
		Time:             f.millis("T"),
		Price:            f.decimal("p"),
		OriginalQuantity: f.decimal("q"),
		ExecutedQuantity: f.decimal("z"),
		Status:           binance.OrderStatusType(f.str("X")),
		TimeInForce:      binance.TimeInForceType(f.str("f")),
		Type:             binance.OrderType(f.str("o")),
		Side:             binance.SideType(f.str("S")),
		StopPrice:        f.decimal("P"),
		IcebergQuantity:  f.decimal("F"),
		ClientOrderID:    f.str("C"),
	}

	update := OrderUpdate{
		Time:             f.millis("E"),
		Order:            order,
		NewClientOrderID: f.str("c"),
	}

	rawExec := f.str("x")
	rawReject := f.str("r")
	if f.err != nil {
		return nil, f.err
	}

	execType, ok := ParseExecutionType(rawExec)
	if !ok {
		return nil, fmt.Errorf("%w: unknown execution type %q", ErrDecode, rawExec)
	}
	update.ExecutionType = execType

	reason, ok := ParseRejectReason(rawReject)
	if !ok {
		d.log.WithComponent("userdata_decoder").WithFields(logger.Fields{
			"reject_reason": rawReject,
			"symbol":        order.Symbol,
			"order_id":      order.ID,
		}).Error("unknown order reject reason, using NONE")
	}
	update.RejectReason = reason

	if execType != ExecutionTrade {
		return &update, nil
	}

	trade := &TradeUpdate{
		OrderUpdate:        update,
		TradeID:            f.int64("t"),
		FillPrice:          f.decimal("L"),
		CumulativeQuantity: f.decimal("z"),
		Commission:         f.nullableDecimal("n"),
		CommissionAsset:    f.nullableStr("N"),
		FillTime:           f.millis("T"),
		IsBuyer:            order.Side == binance.SideTypeBuy,
		IsBuyerMaker:       f.boolean("m"),
		IsBestPrice:        f.boolean("M"),
		FillQuantity:       f.decimal("l"),
	}
	if f.err != nil {
		return nil, f.err
	}
	return trade, nil
}

// fields reads typed values out of a JSON object and keeps the first
// failure in err; later reads return zero values.
type fields struct {
	js  *simplejson.Json
	err error
}

func (f *fields) fail(key, want string, cause error) {
	if f.err != nil {
		return
	}
	if cause != nil {
		f.err = fmt.Errorf("%w: field %q: want %s: %v", ErrDecode, key, want, cause)
		return
	}
	f.err = fmt.Errorf("%w: field %q: want %s", ErrDecode, key, want)
}

func (f *fields) get(key string) *simplejson.Json {
	if f.err != nil {
		return nil
	}
	v, ok := f.js.CheckGet(key)
	if !ok {
		f.err = fmt.Errorf("%w: missing field %q", ErrDecode, key)
		return nil
	}
	return v
}

func (f *fields) str(key string) string {
	v := f.get(key)
	if v == nil {
		return ""
	}
	s, err := v.String()
	if err != nil {
		f.fail(key, "string", nil)
	}
	return s
}

// nullableStr accepts null as "".
func (f *fields) nullableStr(key string) string {
	v := f.get(key)
	if v == nil || v.Interface() == nil {
		return ""
	}
	s, err := v.String()
	if err != nil {
		f.fail(key, "string", nil)
	}
	return s
}

func (f *fields) int64(key string) int64 {
	v := f.get(key)
	if v == nil {
		return 0
	}
	n, err := v.Int64()
	if err != nil {
		f.fail(key, "integer", err)
	}
	return n
}

func (f *fields) boolean(key string) bool {
	v := f.get(key)
	if v == nil {
		return false
	}
	b, err := v.Bool()
	if err != nil {
		f.fail(key, "bool", nil)
	}
	return b
}

func (f *fields) millis(key string) time.Time {
	ms := f.int64(key)
	if f.err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (f *fields) decimal(key string) decimal.Decimal {
	s := f.str(key)
	if f.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		f.fail(key, "decimal string", err)
		return decimal.Zero
	}
	return d
}

// nullableDecimal accepts null as zero.
func (f *fields) nullableDecimal(key string) decimal.Decimal {
	v := f.get(key)
	if v == nil || v.Interface() == nil {
		return decimal.Zero
	}
	return f.decimal(key)
}

func (f *fields) array(key string) []interface{} {
	v := f.get(key)
	if v == nil {
		return nil
	}
	items, err := v.Array()
	if err != nil {
		f.fail(key, "array", nil)
		return nil
	}
	return items
}

func (f *fields) index(key string, i int) *fields {
	return &fields{js: f.js.Get(key).GetIndex(i)}
}
