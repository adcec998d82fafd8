package stats

import "sort"

// Percentile computes the linear-interpolated p-quantile of the sample,
// p in [0, 1]. The sample does not need to be sorted. A nil result
// means the sample was empty; a single value is every percentile of
// itself.
func Percentile(sample []float64, p float64) *float64 {
	n := len(sample)
	if n == 0 {
		return nil
	}
	if n == 1 {
		v := sample[0]
		return &v
	}

	sorted := make([]float64, n)
	copy(sorted, sample)
	sort.Float64s(sorted)

	r := p * float64(n-1)
	lo := int(r)
	hi := lo + 1
	if hi >= n {
		v := sorted[n-1]
		return &v
	}

	frac := r - float64(lo)
	v := sorted[lo] + frac*(sorted[hi]-sorted[lo])
	return &v
}

// aggregate builds the full WindowStats block from a gateway-count
// sample. Time edges are the caller's business.
func aggregate(sample []float64) WindowStats {
	ws := WindowStats{MessageCount: len(sample)}
	if len(sample) == 0 {
		return ws
	}

	minV, maxV, sum := sample[0], sample[0], 0.0
	for _, v := range sample {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		sum += v
	}
	avg := sum / float64(len(sample))

	ws.MinGateways = &minV
	ws.MaxGateways = &maxV
	ws.AvgGateways = &avg
	ws.P50 = Percentile(sample, 0.50)
	ws.P90 = Percentile(sample, 0.90)
	ws.P95 = Percentile(sample, 0.95)
	ws.P99 = Percentile(sample, 0.99)
	return ws
}
