package util

import "time"

// IST is the exchange timezone. All trading-hour and expiry decisions are
// made in this location; persisted timestamps stay UTC.
var IST = loadIST()

func loadIST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback for minimal containers without tzdata
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}
