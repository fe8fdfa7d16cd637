package model

import (
	"errors"
	"math"
)

// MicrosPerUnit is the fixed-point scale: 1 price unit = 1,000,000 micros.
const MicrosPerUnit int64 = 1_000_000

var (
	// ErrPriceNotFinite is returned when a broker wire price is NaN or Inf.
	ErrPriceNotFinite = errors.New("price not finite (NaN or Inf)")
	// ErrPriceOutOfRange is returned when a wire price would overflow int64
	// after scaling to micros.
	ErrPriceOutOfRange = errors.New("price out of int64 range after scaling to micros")
)

// MicrosToPrice converts integer micros to a float64 price. Only call at the
// broker wire boundary (serializing an outgoing request); internal prices
// stay int64.
func MicrosToPrice(micros int64) float64 {
	return float64(micros) / float64(MicrosPerUnit)
}

// PriceToMicros converts a float64 price received from a broker wire response
// into integer micros, rounding to the nearest micro. Only call when
// ingesting broker prices.
func PriceToMicros(price float64) (int64, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, ErrPriceNotFinite
	}
	scaled := price * float64(MicrosPerUnit)
	if scaled > float64(math.MaxInt64) || scaled < float64(math.MinInt64) {
		return 0, ErrPriceOutOfRange
	}
	return int64(math.Round(scaled)), nil
}
