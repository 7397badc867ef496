package consolidate

import (
	"time"

	"github.com/commontrace/commontrace/internal/store"
)

const day = 24 * time.Hour

// ClassifyTemperature derives a trace's temperature. Rules are checked
// warmest first and the first match wins:
//
//	HOT     retrieved within 7d at least 3 times, or created within 2d
//	WARM    retrieved within 30d, created within 14d, or trust >= 2
//	COOL    retrieved within 90d, created within 60d, or depth >= 0.7
//	COLD    retrieved or created within staleAge, or trust > 0
//	FROZEN  otherwise
func ClassifyTemperature(in store.TemperatureInput, now time.Time, staleAge time.Duration) string {
	age := now.Sub(time.UnixMilli(in.CreatedAt))
	retrievedWithin := func(d time.Duration) bool {
		return in.LastRetrievedAt != nil && now.Sub(time.UnixMilli(*in.LastRetrievedAt)) <= d
	}

	switch {
	case retrievedWithin(7*day) && in.RetrievalCount >= 3, age <= 2*day:
		return store.TempHot
	case retrievedWithin(30*day), age <= 14*day, in.TrustScore >= 2:
		return store.TempWarm
	case retrievedWithin(90*day), age <= 60*day, in.DepthScore >= 0.7:
		return store.TempCool
	case retrievedWithin(staleAge), age <= staleAge, in.TrustScore > 0:
		return store.TempCold
	default:
		return store.TempFrozen
	}
}
