package engine

import "math"

// computeProgress maps the current position in the step list to a
// percentage. childFraction adds the partial completion of the step at
// currentIndex (a linked child workflow mid-run), in [0, 1).
func computeProgress(currentIndex, totalSteps int, childFraction float64) float64 {
	if totalSteps <= 0 {
		return 0
	}
	if childFraction < 0 {
		childFraction = 0
	} else if childFraction > 1 {
		childFraction = 1
	}
	p := (float64(currentIndex) + childFraction) / float64(totalSteps) * 100
	p = math.Round(p*100) / 100
	if p > 100 {
		p = 100
	}
	return p
}
