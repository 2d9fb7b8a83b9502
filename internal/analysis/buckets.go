package analysis

import (
	"math"
	"slices"
	"sort"

	"hotelprice/internal/domain"
)

// DefaultEdgesKm splits hotels into walking distance, short ride and the rest.
var DefaultEdgesKm = []float64{1, 3, 5, 10}

// minWeightKm keeps hotels sitting on the venue from dominating the weighted mean.
const minWeightKm = 0.1

// Buckets groups complete deltas by distance. Edges must be ascending; the
// last bucket is open-ended. Incomplete rows and rows without a distance are
// left out.
func Buckets(ds []domain.HotelPriceDelta, edgesKm []float64) []domain.DistanceBucket {
	// the first bucket starts at 0, so only positive distinct edges split anything
	edges := slices.DeleteFunc(slices.Clone(edgesKm), func(e float64) bool { return !(e > 0) })
	sort.Float64s(edges)
	edges = slices.Compact(edges)

	out := make([]domain.DistanceBucket, len(edges)+1)
	lo := 0.0
	for i := range out {
		out[i].MinKm = lo
		if i < len(edges) {
			out[i].MaxKm = ptr(edges[i])
			lo = edges[i]
		}
	}

	ratios := make([][]float64, len(out))
	weights := make([][]float64, len(out))
	for _, d := range ds {
		if d.Status != domain.DeltaComplete || d.Ratio == nil || d.DistanceKm == nil {
			continue
		}
		i := sort.SearchFloat64s(edges, *d.DistanceKm)
		// a hotel exactly on an edge belongs to the bucket starting there
		if i < len(edges) && edges[i] == *d.DistanceKm {
			i++
		}
		out[i].Hotels++
		ratios[i] = append(ratios[i], *d.Ratio)
		weights[i] = append(weights[i], 1/math.Max(*d.DistanceKm, minWeightKm))
	}

	for i := range out {
		if m, ok := median(ratios[i]); ok {
			out[i].MedianRatio = ptr(m)
		}
		var sw, swx float64
		for j, r := range ratios[i] {
			sw += weights[i][j]
			swx += weights[i][j] * r
		}
		if sw > 0 {
			out[i].WeightedMeanRatio = ptr(swx / sw)
		}
	}
	return out
}

// Trend measures how the ratio moves with distance over complete rows. A
// negative coefficient means prices rise more the closer a hotel is.
func Trend(ds []domain.HotelPriceDelta) domain.Trend {
	var dist, ratio []float64
	for _, d := range ds {
		if d.Status != domain.DeltaComplete || d.Ratio == nil || d.DistanceKm == nil {
			continue
		}
		dist = append(dist, *d.DistanceKm)
		ratio = append(ratio, *d.Ratio)
	}
	t := domain.Trend{Hotels: len(dist)}
	if rho, ok := spearman(dist, ratio); ok {
		t.Spearman = ptr(rho)
	}
	return t
}
