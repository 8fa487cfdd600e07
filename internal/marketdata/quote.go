package marketdata

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"market-cache/internal/common/errors"

	"github.com/shopspring/decimal"
)

// Quote is a price snapshot for one symbol over one timeframe
type Quote struct {
	Symbol        string          `json:"symbol"`
	Timeframe     string          `json:"timeframe"`
	Price         decimal.Decimal `json:"price"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
}

// priceFields maps Quote fields to the provider document keys accepted for them
var priceFields = []struct {
	names []string
	set   func(q *Quote, d decimal.Decimal)
}{
	{[]string{"price", "last", "mp"}, func(q *Quote, d decimal.Decimal) { q.Price = d }},
	{[]string{"open", "o"}, func(q *Quote, d decimal.Decimal) { q.Open = d }},
	{[]string{"high", "h"}, func(q *Quote, d decimal.Decimal) { q.High = d }},
	{[]string{"low", "l"}, func(q *Quote, d decimal.Decimal) { q.Low = d }},
	{[]string{"close", "c"}, func(q *Quote, d decimal.Decimal) { q.Close = d }},
	{[]string{"volume", "v"}, func(q *Quote, d decimal.Decimal) { q.Volume = d }},
}

// toQuote converts a cached provider document into a Quote. The document is
// whatever the provider returned, possibly after a JSON round trip through
// the Redis tier.
func toQuote(symbol, timeframe string, raw interface{}) (Quote, error) {
	if q, ok := raw.(Quote); ok {
		return q, nil
	}

	doc, ok := raw.(map[string]interface{})
	if !ok {
		return Quote{}, errors.ProviderError(symbol, fmt.Errorf("unexpected quote document %T", raw))
	}

	q := Quote{Symbol: symbol, Timeframe: timeframe}
	for _, field := range priceFields {
		for _, name := range field.names {
			v, present := doc[name]
			if !present || v == nil {
				continue
			}
			d, err := toDecimal(v)
			if err != nil {
				return Quote{}, errors.ProviderError(symbol, fmt.Errorf("field %s: %w", name, err))
			}
			field.set(&q, d)
			break
		}
	}

	if q.Price.IsZero() && !q.Close.IsZero() {
		q.Price = q.Close
	}
	if q.Price.IsZero() {
		return Quote{}, errors.ProviderError(symbol, fmt.Errorf("quote has no price"))
	}

	if !q.Open.IsZero() {
		q.Change = q.Price.Sub(q.Open)
		q.ChangePercent = q.Change.Div(q.Open).Mul(decimal.NewFromInt(100)).Round(4)
	}

	if ts, ok := doc["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			q.Timestamp = &t
		}
	}

	return q, nil
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	case decimal.Decimal:
		return n, nil
	default:
		return decimal.Zero, fmt.Errorf("not a number: %T", v)
	}
}
