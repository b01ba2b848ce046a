// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// satPerBTC is the decimal exponent between BTC and satoshi.
const satPerBTC = 8

// AmountFlag embeds a btcutil.Amount and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.  Values
// are BTC with at most eight decimal places and an optional " BTC" suffix.
type AmountFlag struct {
	btcutil.Amount
}

// NewAmountFlag creates an AmountFlag with a default btcutil.Amount.
func NewAmountFlag(defaultValue btcutil.Amount) *AmountFlag {
	return &AmountFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (a *AmountFlag) MarshalFlag() (string, error) {
	return FormatAmount(a.Amount), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (a *AmountFlag) UnmarshalFlag(value string) error {
	amount, err := ParseAmount(value)
	if err != nil {
		return err
	}
	a.Amount = amount
	return nil
}

// ParseAmount parses a BTC amount without going through floating point.
func ParseAmount(value string) (btcutil.Amount, error) {
	value = strings.TrimSpace(strings.TrimSuffix(value, " BTC"))
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", value)
	}

	sat := d.Shift(satPerBTC)
	if !sat.Equal(sat.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimals",
			value, satPerBTC)
	}
	if sat.GreaterThan(decimal.NewFromInt(int64(btcutil.MaxSatoshi))) {
		return 0, fmt.Errorf("amount %s exceeds the supply", value)
	}
	return btcutil.Amount(sat.IntPart()), nil
}

// FormatAmount renders a as BTC with all eight decimals.
func FormatAmount(a btcutil.Amount) string {
	return decimal.New(int64(a), -satPerBTC).StringFixed(satPerBTC) + " BTC"
}
