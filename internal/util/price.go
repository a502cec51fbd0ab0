// Package util provides common utility functions for price and strike math.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 101.23 becomes 101.25.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// ATMStrike returns the at-the-money strike: the nearest multiple of the
// strike step to the spot price. With step=50, spot 25012 maps to 25000 and
// spot 25030 maps to 25050.
func ATMStrike(spot float64, step int) float64 {
	if step <= 0 || spot <= 0 {
		return 0
	}
	s := float64(step)
	return math.Round(spot/s) * s
}

// OTMCallStrike returns the first out-of-the-money call strike (ATM + step).
func OTMCallStrike(spot float64, step int) float64 {
	atm := ATMStrike(spot, step)
	if atm == 0 {
		return 0
	}
	return atm + float64(step)
}

// OTMPutStrike returns the first out-of-the-money put strike (ATM - step).
func OTMPutStrike(spot float64, step int) float64 {
	atm := ATMStrike(spot, step)
	if atm == 0 {
		return 0
	}
	return atm - float64(step)
}

// ShortID returns a truncated ID string for log lines, safely handling IDs
// shorter than 8 characters.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
