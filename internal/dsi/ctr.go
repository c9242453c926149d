// Package dsi turns a run's collected SERP, analysis and video data into
// Digital Share of Intelligence rankings: company-level scores per channel
// plus historical per-page snapshots.
package dsi

// ctrCurve is the 2024 industry click-through table for organic positions
// 1-20. Deeper positions share the bands below.
var ctrCurve = [...]float64{
	0.2823, 0.1572, 0.1073, 0.0775, 0.0588,
	0.0459, 0.0369, 0.0302, 0.0252, 0.0214,
	0.0184, 0.0160, 0.0140, 0.0123, 0.0109,
	0.0097, 0.0087, 0.0078, 0.0071, 0.0065,
}

const (
	ctrPage3Band = 0.0055 // positions 21-30
	ctrFloor     = 0.0050 // positions 31+
)

// CTR returns the expected click-through rate for a SERP position.
func CTR(position int) float64 {
	switch {
	case position <= 0:
		return 0
	case position <= len(ctrCurve):
		return ctrCurve[position-1]
	case position <= 30:
		return ctrPage3Band
	default:
		return ctrFloor
	}
}

// defaultSearchVolume stands in for keywords whose metrics were never
// fetched, so a missing volume does not zero out an entity's traffic.
const defaultSearchVolume = 1000

// EstimatedTraffic is a result's expected monthly clicks: keyword search
// volume times the position's CTR.
func EstimatedTraffic(avgMonthlySearches, position int) float64 {
	volume := avgMonthlySearches
	if volume <= 0 {
		volume = defaultSearchVolume
	}
	return float64(volume) * CTR(position)
}
