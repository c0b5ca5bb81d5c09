package strategy

import "backsim/internal/types"

// averageVolume returns the mean tick volume of the given bars
func averageVolume(bars []types.Candle) float64 {
	if len(bars) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bars {
		sum += b.Volume
	}
	return sum / float64(len(bars))
}
