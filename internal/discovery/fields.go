package discovery

import (
	"math"

	"github.com/grantwise/adam-acquisition/internal/template"
)

type numericFit struct {
	spec     template.FieldSpec
	start    int
	length   int
	decimals int
}

func isNumericChar(b byte) bool {
	return (b >= '0' && b <= '9') || b == '+' || b == '-' || b == ' ' || b == '.'
}

// candidateRuns returns maximal contiguous column spans whose character
// at every weight's representative frame is numeric-shaped.
func candidateRuns(repFrame map[float64][]byte, weights []float64, frameLen int) [][2]int {
	allowed := make([]bool, frameLen)
	for i := 0; i < frameLen; i++ {
		ok := true
		for _, w := range weights {
			f := repFrame[w]
			if i >= len(f) || !isNumericChar(f[i]) {
				ok = false
				break
			}
		}
		allowed[i] = ok
	}
	var runs [][2]int
	start := -1
	for i := 0; i <= frameLen; i++ {
		if i < frameLen && allowed[i] {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			runs = append(runs, [2]int{start, i})
			start = -1
		}
	}
	return runs
}

// fitNumericField finds the contiguous run and decimal-place count that
// best correlates with known weights: Pearson r ≥ 0.98, tie-broken by
// minimal absolute error, decimals in [0,4].
func fitNumericField(repFrame map[float64][]byte, weights []float64, frameLen int) (numericFit, float64, error) {
	runs := candidateRuns(repFrame, weights, frameLen)
	if len(runs) == 0 {
		return numericFit{}, 0, errNoNumericColumns
	}
	var best numericFit
	bestR := -2.0
	bestErr := math.Inf(1)
	found := false

	for _, run := range runs {
		for d := 0; d <= 4; d++ {
			xs := make([]float64, 0, len(weights))
			ys := make([]float64, 0, len(weights))
			ok := true
			for _, w := range weights {
				frame := repFrame[w]
				if run[1] > len(frame) {
					ok = false
					break
				}
				v, err := template.DecodeNumeric(frame[run[0]:run[1]], d)
				if err != nil {
					ok = false
					break
				}
				xs = append(xs, w)
				ys = append(ys, v)
			}
			if !ok || len(xs) < 2 {
				continue
			}
			r := pearson(xs, ys)
			if r < 0.98 {
				continue
			}
			errSum := 0.0
			for i := range xs {
				errSum += math.Abs(ys[i] - xs[i])
			}
			if !found || r > bestR || (r == bestR && errSum < bestErr) {
				found = true
				bestR, bestErr = r, errSum
				decimals := d
				best = numericFit{
					start:    run[0],
					length:   run[1] - run[0],
					decimals: d,
					spec: template.FieldSpec{
						Name:          "weight",
						Start:         run[0],
						Length:        run[1] - run[0],
						FieldType:     template.KindNumeric,
						DecimalPlaces: &decimals,
					},
				}
			}
		}
	}
	if !found {
		return numericFit{}, 0, errNoCorrelation
	}
	return best, bestR, nil
}

// findStabilityField looks for the leftmost 2-3 byte span outside the
// numeric field whose symbol set across weight groups has at most 4
// distinct values. The baseline weight's symbol maps to "unstable"; any
// other observed symbol maps to "stable". More than two distinct symbols
// preserves them verbatim.
func findStabilityField(repFrame map[float64][]byte, weights []float64, frameLen int, num numericFit) *template.FieldSpec {
	for spanLen := 2; spanLen <= 3; spanLen++ {
		for start := 0; start+spanLen <= frameLen; start++ {
			if spansOverlap(start, start+spanLen, num.start, num.start+num.length) {
				continue
			}
			symbols := make(map[string]struct{})
			bySym := make(map[float64]string, len(weights))
			ok := true
			for _, w := range weights {
				frame := repFrame[w]
				if start+spanLen > len(frame) {
					ok = false
					break
				}
				sym := string(frame[start : start+spanLen])
				symbols[sym] = struct{}{}
				bySym[w] = sym
			}
			if !ok || len(symbols) < 2 || len(symbols) > 4 {
				continue
			}
			values := make(map[string]string, len(symbols))
			if len(symbols) == 2 {
				baselineSym := bySym[0]
				for sym := range symbols {
					if sym == baselineSym {
						values[sym] = "unstable"
					} else {
						values[sym] = "stable"
					}
				}
			} else {
				for sym := range symbols {
					values[sym] = sym
				}
			}
			return &template.FieldSpec{
				Name:      "stability",
				Start:     start,
				Length:    spanLen,
				FieldType: template.KindLookup,
				Values:    values,
			}
		}
	}
	return nil
}

// findUnitField looks for a trailing constant alpha run outside the
// numeric field.
func findUnitField(repFrame map[float64][]byte, weights []float64, frameLen int, num numericFit) *template.FieldSpec {
	end := frameLen
	for end > 0 {
		c := repFrame[weights[0]][end-1]
		if c == ' ' {
			end--
			continue
		}
		break
	}
	start := end
	for start > 0 {
		allAlpha := true
		for _, w := range weights {
			frame := repFrame[w]
			if start-1 >= len(frame) || !isAlpha(frame[start-1]) {
				allAlpha = false
				break
			}
		}
		if !allAlpha {
			break
		}
		start--
	}
	if start >= end || spansOverlap(start, end, num.start, num.start+num.length) {
		return nil
	}
	first := string(repFrame[weights[0]][start:end])
	for _, w := range weights[1:] {
		if string(repFrame[w][start:end]) != first {
			return nil
		}
	}
	return &template.FieldSpec{Name: "unit", Start: start, Length: end - start, FieldType: template.KindLiteral}
}

func isAlpha(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') }

func spansOverlap(aStart, aEnd, bStart, bEnd int) bool {
	return aStart < bEnd && bStart < aEnd
}

// formatAccuracy re-applies tmpl to every captured frame and reports the
// fraction parsed without error, plus a diagnostic for the field most
// responsible for failures.
func formatAccuracy(tmpl template.ProtocolTemplate, framesByWeight map[float64][][]byte) (float64, FieldDiagnostic) {
	total, success := 0, 0
	for _, frames := range framesByWeight {
		for _, f := range frames {
			total++
			if _, err := tmpl.Apply(f); err != nil {
				continue
			}
			success++
		}
	}
	if total == 0 {
		return 0, FieldDiagnostic{Field: "frame", Detail: "no frames captured"}
	}
	score := float64(success) / float64(total)
	var weakest FieldDiagnostic
	if score < 1 {
		weakest = FieldDiagnostic{Field: "frame", Score: score * 100, Detail: "some captured frames failed to parse against the assembled template"}
	}
	return score, weakest
}

func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n == 0 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumX2 += xs[i] * xs[i]
		sumY2 += ys[i] * ys[i]
	}
	den := math.Sqrt((n*sumX2 - sumX*sumX) * (n*sumY2 - sumY*sumY))
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}
