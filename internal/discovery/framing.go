package discovery

import (
	"bytes"
	"sort"
)

var delimiterCandidates = [][]byte{[]byte("\r\n"), []byte("\n"), []byte("\r")}

// inferDelimiter picks the terminator present in the largest share of
// captures (CR LF, then LF, then CR on ties); falls back to CR LF if
// that share is below 95%.
func inferDelimiter(captures []RawCapture) []byte {
	best := delimiterCandidates[0]
	bestScore := -1.0
	for _, d := range delimiterCandidates {
		total, present := 0, 0
		for _, c := range captures {
			if len(c.Data) == 0 {
				continue
			}
			total++
			if bytes.Contains(c.Data, d) {
				present++
			}
		}
		if total == 0 {
			continue
		}
		score := float64(present) / float64(total)
		if score > bestScore {
			bestScore, best = score, d
		}
	}
	if bestScore < 0.95 {
		return []byte("\r\n")
	}
	return best
}

// splitFrames splits data on delim, discarding whatever follows the last
// delimiter: an empty part when the stream ends right after a
// terminator, an incomplete frame otherwise.
func splitFrames(data, delim []byte) [][]byte {
	if len(delim) == 0 || len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, delim)
	if len(parts) > 0 {
		parts = parts[:len(parts)-1]
	}
	out := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(p) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// splitAllFrames groups delimited frames by the weight they were
// captured at, merging the baseline capture into weight 0.
func splitAllFrames(captures []RawCapture, delim []byte) map[float64][][]byte {
	out := make(map[float64][][]byte)
	for _, c := range captures {
		w := c.WeightKG
		if c.IsBaseline {
			w = 0
		}
		out[w] = append(out[w], splitFrames(c.Data, delim)...)
	}
	return out
}

// modeAndVariance returns the most common frame length and whether the
// maximum deviation from it is within the 2-byte tolerance allowed
// before rejecting the capture as an unstable protocol.
func modeAndVariance(lens []int) (mode int, ok bool) {
	counts := make(map[int]int, len(lens))
	for _, l := range lens {
		counts[l]++
	}
	bestCount := -1
	for l, c := range counts {
		if c > bestCount {
			bestCount, mode = c, l
		}
	}
	maxDev := 0
	for _, l := range lens {
		d := l - mode
		if d < 0 {
			d = -d
		}
		if d > maxDev {
			maxDev = d
		}
	}
	return mode, maxDev <= 2
}

// representativeFrames picks the most common frame (truncated/padded to
// length) per weight group, used as the column-diff input.
func representativeFrames(framesByWeight map[float64][][]byte, length int) map[float64][]byte {
	out := make(map[float64][]byte, len(framesByWeight))
	for w, frames := range framesByWeight {
		counts := make(map[string]int)
		for _, f := range frames {
			counts[string(normalize(f, length))]++
		}
		best := ""
		bestCount := -1
		for s, c := range counts {
			if c > bestCount {
				bestCount, best = c, s
			}
		}
		if best != "" {
			out[w] = []byte(best)
		}
	}
	return out
}

func normalize(f []byte, length int) []byte {
	if len(f) == length {
		return f
	}
	out := make([]byte, length)
	n := copy(out, f)
	for i := n; i < length; i++ {
		out[i] = ' '
	}
	return out
}

func sortedWeights(repFrame map[float64][]byte) []float64 {
	weights := make([]float64, 0, len(repFrame))
	for w := range repFrame {
		weights = append(weights, w)
	}
	sort.Float64s(weights)
	return weights
}
