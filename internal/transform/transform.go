// Package transform maps raw feed records onto the persisted order and
// transaction rows. Everything here is pure.
package transform

import (
	"strings"
	"time"

	"github.com/richardliu001/order-sync-service/internal/feed"
	"github.com/richardliu001/order-sync-service/internal/model"
	"github.com/shopspring/decimal"
)

// UnknownChannel names orders that carry no channel information at all.
const UnknownChannel = "unknown"

// Transformer holds the fallbacks applied to incomplete upstream records.
type Transformer struct {
	DefaultCurrency string
}

func New(defaultCurrency string) *Transformer {
	return &Transformer{DefaultCurrency: strings.ToUpper(strings.TrimSpace(defaultCurrency))}
}

// Partition splits live orders from test orders. The external ids of the
// test orders are returned so previously stored copies can be removed.
func (t *Transformer) Partition(raw []feed.RawOrder) ([]feed.RawOrder, []string) {
	live := make([]feed.RawOrder, 0, len(raw))
	var test []string
	for _, o := range raw {
		if o.Test {
			test = append(test, o.ID)
			continue
		}
		live = append(live, o)
	}
	return live, test
}

// ToOrder maps a raw order onto an Order row. ID stays zero.
func (t *Transformer) ToOrder(raw feed.RawOrder, syncedAt time.Time) model.Order {
	created := parseTime(raw.CreatedAt, syncedAt)
	source, channel := channelOf(raw)
	return model.Order{
		ExternalID:      raw.ID,
		Name:            raw.Name,
		CreatedAt:       created,
		ProcessedAt:     parseTime(raw.ProcessedAt, created),
		UpdatedAt:       parseTime(raw.UpdatedAt, created),
		FinancialStatus: strings.ToLower(raw.DisplayFinancialStatus),
		SourceName:      source,
		ChannelName:     channel,
		Subtotal:        t.money(raw.SubtotalPriceSet),
		Total:           t.money(raw.TotalPriceSet),
		Tax:             t.money(raw.TotalTaxSet),
		Discounts:       t.money(raw.TotalDiscountsSet),
		Shipping:        t.money(raw.TotalShippingPriceSet),
		Test:            raw.Test,
		LastSyncedAt:    syncedAt.UTC(),
	}
}

// ToTransactions maps the transactions of raw onto rows owned by orderID.
// Test transactions are left out and counted in the second return value.
func (t *Transformer) ToTransactions(raw feed.RawOrder, orderID uint64, syncedAt time.Time) ([]model.Transaction, int) {
	source, channel := channelOf(raw)
	orderCreated := parseTime(raw.CreatedAt, syncedAt)
	out := make([]model.Transaction, 0, len(raw.Transactions))
	skipped := 0
	for _, rt := range raw.Transactions {
		if rt.Test || rt.ID == "" {
			skipped++
			continue
		}
		kind := strings.ToLower(rt.Kind)
		amount := t.money(rt.AmountSet)
		amount.Value = signed(kind, amount.Value)
		created := parseTime(rt.CreatedAt, orderCreated)
		out = append(out, model.Transaction{
			ExternalID:   rt.ID,
			OrderID:      orderID,
			Kind:         kind,
			Status:       strings.ToLower(rt.Status),
			Amount:       amount,
			Gateway:      rt.Gateway,
			CreatedAt:    created,
			ProcessedAt:  parseTime(rt.ProcessedAt, created),
			SourceName:   source,
			ChannelName:  channel,
			LastSyncedAt: syncedAt.UTC(),
		})
	}
	return out, skipped
}

func (t *Transformer) money(bag *feed.MoneyBag) model.Money {
	if bag == nil || bag.ShopMoney == nil {
		return model.NewMoney(decimal.Zero, t.DefaultCurrency)
	}
	v, err := decimal.NewFromString(strings.TrimSpace(bag.ShopMoney.Amount))
	if err != nil {
		v = decimal.Zero
	}
	cur := strings.ToUpper(strings.TrimSpace(bag.ShopMoney.CurrencyCode))
	if len(cur) != 3 {
		cur = t.DefaultCurrency
	}
	return model.NewMoney(v, cur)
}

// signed makes money leaving the merchant negative.
func signed(kind string, v decimal.Decimal) decimal.Decimal {
	switch kind {
	case "refund", "change":
		return v.Abs().Neg()
	default:
		return v.Abs()
	}
}

func channelOf(raw feed.RawOrder) (source, channel string) {
	source = strings.TrimSpace(raw.SourceName)
	var def *feed.ChannelDefinition
	if raw.ChannelInformation != nil {
		def = raw.ChannelInformation.ChannelDefinition
	}
	if source == "" && def != nil {
		source = def.Handle
	}
	if source == "" {
		source = UnknownChannel
	}
	channel = source
	if def != nil && def.ChannelName != "" {
		channel = def.ChannelName
	}
	return source, channel
}

func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback.UTC()
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fallback.UTC()
	}
	return ts.UTC()
}
