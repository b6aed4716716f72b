// Package discovery implements an interactive ground-truth correlation
// algorithm that infers a ProtocolTemplate from raw frame captures taken
// at known weights. Uses an accumulate-then-scan framing idiom for
// delimiter/frame splitting, and the template package's own field-decode
// path so the confidence score measures the exact same parser the
// template will run in production.
package discovery

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/grantwise/adam-acquisition/internal/template"
)

// ErrInconclusive is returned when a session did not collect enough
// weight steps to attempt correlation. A template below the acceptance
// threshold is reported through Accepted=false, not through this error.
// Never persisted.
var ErrInconclusive = errors.New("discovery: inconclusive")

// errNoNumericColumns and errNoCorrelation are internal causes folded
// into Infer's returned error; ErrInconclusive is reserved for the
// too-few-weight-steps case callers are expected to branch on.
var (
	errNoNumericColumns = errors.New("discovery: no column is numeric across all captured weights")
	errNoCorrelation    = errors.New("discovery: no numeric column correlates with weight at r>=0.98")
)

// RawCapture is one window of raw bytes captured at a known (or
// baseline) weight.
type RawCapture struct {
	WeightKG   float64
	IsBaseline bool
	Data       []byte
}

// FieldDiagnostic points at the weakest contributing field when
// confidence falls short of the acceptance threshold.
type FieldDiagnostic struct {
	Field  string
	Score  float64
	Detail string
}

// Result is a candidate (possibly accepted) template plus its
// confidence breakdown.
type Result struct {
	Template     template.ProtocolTemplate
	FormatScore  float64
	NumericScore float64
	Overall      float64
	Accepted     bool
	Weakest      FieldDiagnostic
}

// Engine runs the offline correlation algorithm. It never touches the
// time-series store or TemplateRepository directly — callers decide
// whether to persist an accepted Result.
type Engine struct {
	ConfidenceThreshold float64
}

// NewEngine creates an Engine with the given acceptance threshold
// (defaults to 85, tuned for ASCII-printable scales).
func NewEngine(confidenceThreshold float64) *Engine {
	if confidenceThreshold <= 0 {
		confidenceThreshold = 85
	}
	return &Engine{ConfidenceThreshold: confidenceThreshold}
}

// Infer runs the framing, column-diff, numeric-extraction, stability-
// marker, unit-field and assembly steps over captures and scores the
// result. captures must include exactly one baseline entry and at
// least two weight-step entries; fewer than two weight steps is always
// ErrInconclusive regardless of capture quality.
func (e *Engine) Infer(captures []RawCapture) (Result, error) {
	weightSteps := 0
	for _, c := range captures {
		if !c.IsBaseline {
			weightSteps++
		}
	}
	if weightSteps < 2 {
		return Result{}, ErrInconclusive
	}

	delim := inferDelimiter(captures)
	framesByWeight := splitAllFrames(captures, delim)

	var allLens []int
	for _, fs := range framesByWeight {
		for _, f := range fs {
			allLens = append(allLens, len(f))
		}
	}
	if len(allLens) == 0 {
		return Result{}, fmt.Errorf("discovery: no frames recovered with delimiter %q", delim)
	}
	mode, varianceOK := modeAndVariance(allLens)
	if !varianceOK {
		return Result{}, fmt.Errorf("discovery: unstable protocol, frame length variance exceeds 2 bytes around mode %d", mode)
	}

	repFrame := representativeFrames(framesByWeight, mode)
	weights := sortedWeights(repFrame)
	if len(weights) < 2 {
		return Result{}, ErrInconclusive
	}

	numField, numScore, err := fitNumericField(repFrame, weights, mode)
	if err != nil {
		return Result{}, err
	}
	statField := findStabilityField(repFrame, weights, mode, numField)
	unitField := findUnitField(repFrame, weights, mode, numField)

	fields := []template.FieldSpec{numField.spec}
	if statField != nil {
		fields = append(fields, *statField)
	}
	if unitField != nil {
		fields = append(fields, *unitField)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Start < fields[j].Start })

	tmpl := template.ProtocolTemplate{
		TemplateID: fmt.Sprintf("discovered-%dw-%db", len(weights), mode),
		Name:       "discovered scale protocol",
		Delimiter:  string(delim),
		Encoding:   "ASCII",
		Fields:     fields,
	}
	if err := tmpl.Validate(); err != nil {
		return Result{}, fmt.Errorf("discovery: assembled template invalid: %w", err)
	}

	formatScore, weakest := formatAccuracy(tmpl, framesByWeight)
	overall := math.Min(formatScore*100, numScore*100)
	tmpl.ConfidenceScore = overall

	res := Result{
		Template:     tmpl,
		FormatScore:  formatScore * 100,
		NumericScore: numScore * 100,
		Overall:      overall,
		Accepted:     overall >= e.ConfidenceThreshold,
		Weakest:      weakest,
	}
	if !res.Accepted && res.Weakest.Field == "" {
		res.Weakest = FieldDiagnostic{Field: "weight", Score: numScore * 100, Detail: "numeric correlation below threshold"}
	}
	return res, nil
}
