package transform

import (
	"testing"
	"time"

	"github.com/richardliu001/order-sync-service/internal/feed"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bag(amount, cur string) *feed.MoneyBag {
	return &feed.MoneyBag{ShopMoney: &feed.MoneyV2{Amount: amount, CurrencyCode: cur}}
}

var syncedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPartition_DropsTestOrders(t *testing.T) {
	tf := New("usd")
	live, test := tf.Partition([]feed.RawOrder{
		{ID: "1"}, {ID: "2", Test: true}, {ID: "3"}, {ID: "4", Test: true},
	})
	assert.Equal(t, []string{"2", "4"}, test)
	require.Len(t, live, 2)
	assert.Equal(t, "1", live[0].ID)
	assert.Equal(t, "3", live[1].ID)
}

func TestToOrder_MapsFields(t *testing.T) {
	tf := New("USD")
	o := tf.ToOrder(feed.RawOrder{
		ID:                     "gid://shopify/Order/1",
		Name:                   "#1001",
		CreatedAt:              "2024-02-01T10:00:00Z",
		ProcessedAt:            "2024-02-01T10:05:00+02:00",
		UpdatedAt:              "2024-02-02T09:00:00Z",
		DisplayFinancialStatus: "PAID",
		SourceName:             "web",
		ChannelInformation: &feed.ChannelInformation{ChannelDefinition: &feed.ChannelDefinition{
			Handle: "online_store", ChannelName: "Online Store",
		}},
		SubtotalPriceSet:      bag("90.00", "eur"),
		TotalPriceSet:         bag("100.00", "EUR"),
		TotalTaxSet:           bag("5.00", "EUR"),
		TotalDiscountsSet:     bag("10.00", "EUR"),
		TotalShippingPriceSet: bag("15.00", "EUR"),
	}, syncedAt)

	assert.Equal(t, "gid://shopify/Order/1", o.ExternalID)
	assert.Equal(t, "paid", o.FinancialStatus)
	assert.Equal(t, "web", o.SourceName)
	assert.Equal(t, "Online Store", o.ChannelName)
	assert.Equal(t, time.Date(2024, 2, 1, 8, 5, 0, 0, time.UTC), o.ProcessedAt)
	assert.Equal(t, "EUR", o.Subtotal.Currency)
	assert.True(t, o.Total.Value.Equal(decimal.NewFromInt(100)))
	assert.True(t, o.Discounts.Value.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, syncedAt, o.LastSyncedAt)
	assert.Zero(t, o.ID)
}

func TestToOrder_Fallbacks(t *testing.T) {
	tf := New("USD")
	o := tf.ToOrder(feed.RawOrder{
		ID:            "1",
		CreatedAt:     "2024-02-01T10:00:00Z",
		SourceName:    "pos",
		TotalPriceSet: bag("not-a-number", ""),
		TotalTaxSet:   &feed.MoneyBag{},
	}, syncedAt)

	assert.Equal(t, "pos", o.ChannelName, "channel name falls back to source")
	assert.True(t, o.Total.Value.IsZero())
	assert.Equal(t, "USD", o.Total.Currency)
	assert.True(t, o.Tax.Value.IsZero())
	assert.True(t, o.Shipping.Value.IsZero())
	assert.Equal(t, "USD", o.Shipping.Currency)
	assert.Equal(t, o.CreatedAt, o.ProcessedAt)
}

func TestToOrder_UnknownChannel(t *testing.T) {
	o := New("USD").ToOrder(feed.RawOrder{ID: "1"}, syncedAt)
	assert.Equal(t, UnknownChannel, o.SourceName)
	assert.Equal(t, UnknownChannel, o.ChannelName)
	assert.Equal(t, syncedAt, o.CreatedAt)
}

func TestToTransactions_InheritChannelAndSign(t *testing.T) {
	tf := New("USD")
	raw := feed.RawOrder{
		ID:         "1",
		CreatedAt:  "2024-02-01T10:00:00Z",
		SourceName: "web",
		ChannelInformation: &feed.ChannelInformation{ChannelDefinition: &feed.ChannelDefinition{
			ChannelName: "Online Store",
		}},
		Transactions: []feed.RawTransaction{
			{ID: "t1", Kind: "SALE", Status: "SUCCESS", AmountSet: bag("20.00", "USD"), ProcessedAt: "2024-02-01T10:01:00Z"},
			{ID: "t2", Kind: "REFUND", Status: "success", AmountSet: bag("5.00", "USD"), CreatedAt: "2024-02-03T00:00:00Z"},
			{ID: "t3", Kind: "SALE", Status: "SUCCESS", Test: true},
		},
	}

	txns, skipped := tf.ToTransactions(raw, 42, syncedAt)
	assert.Equal(t, 1, skipped)
	require.Len(t, txns, 2)

	sale, refund := txns[0], txns[1]
	assert.Equal(t, uint64(42), sale.OrderID)
	assert.Equal(t, "sale", sale.Kind)
	assert.Equal(t, "success", sale.Status)
	assert.Equal(t, "web", sale.SourceName)
	assert.Equal(t, "Online Store", sale.ChannelName)
	assert.True(t, sale.Amount.Value.Equal(decimal.NewFromInt(20)))

	assert.True(t, refund.Amount.Value.Equal(decimal.NewFromInt(-5)))
	assert.Equal(t, time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC), refund.ProcessedAt, "processed falls back to created")
}
