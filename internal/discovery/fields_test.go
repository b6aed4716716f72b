package discovery

import (
	"testing"

	"github.com/grantwise/adam-acquisition/internal/template"
)

func repFrameFixture() (map[float64][]byte, []float64) {
	rep := map[float64][]byte{
		0:  []byte("US    0.00 kg"),
		5:  []byte("ST    5.00 kg"),
		10: []byte("ST   10.00 kg"),
	}
	return rep, []float64{0, 5, 10}
}

func TestCandidateRunsFindsNumericSpan(t *testing.T) {
	rep, weights := repFrameFixture()
	runs := candidateRuns(rep, weights, 13)
	if len(runs) != 1 {
		t.Fatalf("expected exactly one numeric-shaped run, got %v", runs)
	}
	if runs[0] != [2]int{2, 11} {
		t.Fatalf("expected run [2,11), got %v", runs[0])
	}
}

func TestFitNumericFieldFindsPerfectCorrelation(t *testing.T) {
	rep, weights := repFrameFixture()
	fit, r, err := fitNumericField(rep, weights, 13)
	if err != nil {
		t.Fatalf("fitNumericField: %v", err)
	}
	if r < 0.999 {
		t.Fatalf("expected near-perfect correlation, got %v", r)
	}
	if fit.spec.Name != "weight" || fit.start != 2 || fit.length != 9 {
		t.Fatalf("unexpected field: %+v", fit)
	}
}

func TestFitNumericFieldRejectsUncorrelatedData(t *testing.T) {
	rep := map[float64][]byte{
		0:  []byte("US    9.50 kg"),
		5:  []byte("ST    1.00 kg"),
		10: []byte("ST    8.00 kg"),
	}
	_, _, err := fitNumericField(rep, []float64{0, 5, 10}, 13)
	if err != errNoCorrelation {
		t.Fatalf("expected errNoCorrelation for non-linear data, got %v", err)
	}
}

func TestFitNumericFieldRejectsNonNumericFrames(t *testing.T) {
	rep := map[float64][]byte{
		0: []byte("ABCDEF"),
		5: []byte("GHIJKL"),
	}
	_, _, err := fitNumericField(rep, []float64{0, 5}, 6)
	if err != errNoNumericColumns {
		t.Fatalf("expected errNoNumericColumns for all-alpha frames, got %v", err)
	}
}

func TestFindStabilityFieldMapsBaselineToUnstable(t *testing.T) {
	rep, weights := repFrameFixture()
	num := numericFit{start: 2, length: 9}
	field := findStabilityField(rep, weights, 13, num)
	if field == nil {
		t.Fatalf("expected a stability field")
	}
	if field.Start != 0 || field.Length != 2 {
		t.Fatalf("expected stability field at [0,2), got start=%d length=%d", field.Start, field.Length)
	}
	if field.Values["US"] != "unstable" {
		t.Fatalf("expected baseline symbol US to map to unstable, got %v", field.Values["US"])
	}
	if field.Values["ST"] != "stable" {
		t.Fatalf("expected non-baseline symbol ST to map to stable, got %v", field.Values["ST"])
	}
}

func TestFindStabilityFieldReturnsNilWithoutVariation(t *testing.T) {
	rep := map[float64][]byte{
		0: []byte("STxxxxx"),
		5: []byte("STyyyyy"),
	}
	num := numericFit{start: 2, length: 5}
	if got := findStabilityField(rep, []float64{0, 5}, 7, num); got != nil {
		t.Fatalf("expected nil when the only span clear of the numeric field shows a single symbol, got %+v", got)
	}
}

func TestFindUnitFieldDetectsTrailingConstantAlphaRun(t *testing.T) {
	rep, weights := repFrameFixture()
	num := numericFit{start: 2, length: 9}
	field := findUnitField(rep, weights, 13, num)
	if field == nil {
		t.Fatalf("expected a unit field")
	}
	if field.Start != 11 || field.Length != 2 {
		t.Fatalf("expected unit field at [11,13), got start=%d length=%d", field.Start, field.Length)
	}
}

func TestFindUnitFieldReturnsNilWithoutTrailingAlpha(t *testing.T) {
	rep := map[float64][]byte{
		0: []byte("US    0.00"),
		5: []byte("ST    5.00"),
	}
	num := numericFit{start: 2, length: 8}
	if got := findUnitField(rep, []float64{0, 5}, 10, num); got != nil {
		t.Fatalf("expected nil when there is no trailing alpha run, got %+v", got)
	}
}

func TestFormatAccuracyScoresPartialFailures(t *testing.T) {
	decimals := 0
	tmpl := template.ProtocolTemplate{
		TemplateID: "t1",
		Delimiter:  "\r\n",
		Fields: []template.FieldSpec{
			{Name: "weight", Start: 0, Length: 4, FieldType: template.KindNumeric, DecimalPlaces: &decimals},
		},
	}
	framesByWeight := map[float64][][]byte{
		5: {[]byte("0005"), []byte("    ")}, // second frame has no digits, fails to parse
	}
	score, diag := formatAccuracy(tmpl, framesByWeight)
	if score != 0.5 {
		t.Fatalf("expected 50%% success, got %v", score)
	}
	if diag.Field == "" {
		t.Fatalf("expected a diagnostic when score < 1")
	}
}

func TestFormatAccuracyPerfectScoreHasNoDiagnostic(t *testing.T) {
	decimals := 0
	tmpl := template.ProtocolTemplate{
		TemplateID: "t1",
		Fields: []template.FieldSpec{
			{Name: "weight", Start: 0, Length: 4, FieldType: template.KindNumeric, DecimalPlaces: &decimals},
		},
	}
	framesByWeight := map[float64][][]byte{5: {[]byte("0005")}}
	score, diag := formatAccuracy(tmpl, framesByWeight)
	if score != 1 {
		t.Fatalf("expected a perfect score, got %v", score)
	}
	if diag.Field != "" {
		t.Fatalf("expected no diagnostic on a perfect score, got %+v", diag)
	}
}

func TestPearsonPerfectCorrelation(t *testing.T) {
	xs := []float64{0, 5, 10}
	ys := []float64{0, 5, 10}
	if r := pearson(xs, ys); r < 0.999 {
		t.Fatalf("expected r~1.0, got %v", r)
	}
}

func TestPearsonConstantYIsZero(t *testing.T) {
	xs := []float64{0, 5, 10}
	ys := []float64{1, 1, 1}
	if r := pearson(xs, ys); r != 0 {
		t.Fatalf("expected r=0 when y has no variance, got %v", r)
	}
}
