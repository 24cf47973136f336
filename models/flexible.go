package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// FlexibleString accepts a JSON string, integer or float and keeps its text form.
// Providers disagree on whether ids and amounts are quoted.
type FlexibleString string

func (fs *FlexibleString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*fs = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*fs = FlexibleString(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*fs = FlexibleString(n.String())
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*fs = FlexibleString(strconv.FormatBool(b))
		return nil
	}

	return fmt.Errorf("unable to parse %s as FlexibleString", string(data))
}

func (fs FlexibleString) String() string {
	return string(fs)
}

func (fs FlexibleString) ToInt64() (int64, error) {
	return strconv.ParseInt(string(fs), 10, 64)
}

// Decimal parses the value as a currency amount. Anything that is not a
// number, including an empty value, is zero.
func (fs FlexibleString) Decimal() decimal.Decimal {
	d, _ := fs.parseDecimal()
	return d
}

// IsNumber reports whether the value was present and numeric, i.e. whether
// Decimal returned a real amount rather than the zero fallback.
func (fs FlexibleString) IsNumber() bool {
	_, ok := fs.parseDecimal()
	return ok
}

func (fs FlexibleString) parseDecimal() (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(string(fs), ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
