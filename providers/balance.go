package providers

import (
	"errors"
	"regexp"
	"strings"

	"ledgersync/models"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var ErrNoBalance = errors.New("no balance found in response")

// BalanceFromJSON looks for the first of keys inside any of the wrapper
// objects, then at the top level. A wrapper that holds a bare number is
// itself the balance.
func BalanceFromJSON(body []byte, wrappers, keys []string) (decimal.Decimal, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return decimal.Zero, false
	}

	for _, w := range wrappers {
		raw, ok := lookup(top, w)
		if !ok {
			continue
		}
		if d, ok := amount(raw); ok {
			return d, true
		}
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err != nil {
			continue
		}
		for _, k := range keys {
			if v, ok := lookup(inner, k); ok {
				if d, ok := amount(v); ok {
					return d, true
				}
			}
		}
	}

	for _, k := range keys {
		if v, ok := lookup(top, k); ok {
			if d, ok := amount(v); ok {
				return d, true
			}
		}
	}
	return decimal.Zero, false
}

// BalanceFromText applies pattern to a plain-text body; the first capture
// group holds the amount.
func BalanceFromText(body []byte, pattern *regexp.Regexp) (decimal.Decimal, bool) {
	m := pattern.FindSubmatch(body)
	if len(m) < 2 {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(string(m[1]), ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func lookup(m map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func amount(raw json.RawMessage) (decimal.Decimal, bool) {
	var fs models.FlexibleString
	if err := json.Unmarshal(raw, &fs); err != nil || fs == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(fs.String(), ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
