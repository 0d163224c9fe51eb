// Package currency converts client-submitted prices into USD cents using
// exchange rates published through the shared counter store.
package currency

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ratesKey holds a base64 blob of zlib-compressed JSON: currency code →
// rate relative to USD.
const ratesKey = "meta:currencies:v2"

// codeOffset: clients send Steam wallet currency codes, which start at
// 2000 + the table index below.
const codeOffset = 2000

// codes maps the table index to the ISO currency code.
var codes = map[int]string{
	1: "USD", 2: "GBP", 3: "EUR", 4: "CHF", 5: "RUB", 6: "PLN", 7: "BRL",
	8: "JPY", 9: "NOK", 10: "IDR", 11: "MYR", 12: "PHP", 13: "SGD",
	14: "THB", 15: "VND", 16: "KRW", 17: "TRY", 18: "UAH", 19: "MXN",
	20: "CAD", 21: "AUD", 22: "NZD", 23: "CNY", 24: "INR", 25: "CLP",
	26: "PEN", 27: "COP", 28: "ZAR", 29: "HKD", 30: "TWD", 31: "SAR",
	32: "AED", 34: "ARS", 35: "ILS", 36: "BYN", 37: "KZT", 38: "KWD",
	39: "QAR", 40: "CRC", 41: "UYU",
}

// Source reads one key from the counter store.
type Source interface {
	Get(ctx context.Context, key string) (string, error)
}

// Converter caches the decoded rate table.
type Converter struct {
	src Source
	log *zap.Logger

	mu    sync.RWMutex
	rates map[string]float64
}

func New(src Source, log *zap.Logger) *Converter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Converter{src: src, log: log, rates: map[string]float64{}}
}

// Refresh reloads the rate table. An absent key leaves the old table.
func (c *Converter) Refresh(ctx context.Context) error {
	raw, err := c.src.Get(ctx, ratesKey)
	if err != nil {
		return fmt.Errorf("read rates: %w", err)
	}
	if raw == "" {
		return nil
	}
	rates, err := decodeRates(raw)
	if err != nil {
		return fmt.Errorf("decode rates: %w", err)
	}
	c.mu.Lock()
	c.rates = rates
	c.mu.Unlock()
	return nil
}

// Run refreshes once immediately and then on every interval tick.
func (c *Converter) Run(ctx context.Context, interval time.Duration) {
	if err := c.Refresh(ctx); err != nil {
		c.log.Warn("initial rate load failed", zap.Error(err))
	}
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := c.Refresh(ctx); err != nil {
					c.log.Warn("rate refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// Convert turns price in walletCode's minor units into USD cents. Unknown
// codes and missing rates return 0, signalling "drop the price".
func (c *Converter) Convert(price int, walletCode int) int {
	iso, ok := codes[walletCode-codeOffset]
	if !ok {
		return 0
	}
	if iso == "USD" {
		return price
	}
	c.mu.RLock()
	rate := c.rates[iso]
	c.mu.RUnlock()
	if rate <= 0 {
		return 0
	}
	return int(math.Round(float64(price) / rate))
}

func decodeRates(raw string) (map[string]float64, error) {
	compressed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	defer zr.Close()
	buf, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	var rates map[string]float64
	if err := json.Unmarshal(buf, &rates); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return rates, nil
}
