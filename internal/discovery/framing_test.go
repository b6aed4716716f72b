package discovery

import (
	"bytes"
	"testing"
)

func TestInferDelimiterPicksDominantTerminator(t *testing.T) {
	captures := []RawCapture{
		{Data: []byte("a\r\nb\r\n")},
		{Data: []byte("c\r\nd\r\n")},
	}
	if got := inferDelimiter(captures); !bytes.Equal(got, []byte("\r\n")) {
		t.Fatalf("expected CRLF, got %q", got)
	}
}

func TestInferDelimiterFallsBackWhenNoConsensus(t *testing.T) {
	captures := []RawCapture{
		{Data: []byte("a\rb")},
		{Data: []byte("c;d")},
	}
	if got := inferDelimiter(captures); !bytes.Equal(got, []byte("\r\n")) {
		t.Fatalf("expected fallback to CRLF when no candidate reaches 95%%, got %q", got)
	}
}

func TestSplitFramesDropsTrailingEmptyFrame(t *testing.T) {
	frames := splitFrames([]byte("abc\r\ndef\r\n"), []byte("\r\n"))
	if len(frames) != 2 || string(frames[0]) != "abc" || string(frames[1]) != "def" {
		t.Fatalf("unexpected frames: %v", frames)
	}
}

func TestSplitFramesHandlesIncompleteTrailer(t *testing.T) {
	frames := splitFrames([]byte("abc\r\nde"), []byte("\r\n"))
	if len(frames) != 1 || string(frames[0]) != "abc" {
		t.Fatalf("expected only the complete frame, got %v", frames)
	}
}

func TestModeAndVarianceWithinTolerance(t *testing.T) {
	mode, ok := modeAndVariance([]int{10, 10, 11, 9, 10})
	if !ok {
		t.Fatalf("expected variance within tolerance to be accepted")
	}
	if mode != 10 {
		t.Fatalf("expected mode 10, got %d", mode)
	}
}

func TestModeAndVarianceExceedsTolerance(t *testing.T) {
	_, ok := modeAndVariance([]int{10, 10, 20})
	if ok {
		t.Fatalf("expected variance beyond 2 bytes to be rejected")
	}
}

func TestRepresentativeFramesPicksMajority(t *testing.T) {
	framesByWeight := map[float64][][]byte{
		5: {[]byte("AAA"), []byte("AAA"), []byte("AAB")},
	}
	rep := representativeFrames(framesByWeight, 3)
	if string(rep[5]) != "AAA" {
		t.Fatalf("expected the majority frame AAA, got %q", rep[5])
	}
}

func TestNormalizePadsShortFrames(t *testing.T) {
	out := normalize([]byte("ab"), 5)
	if string(out) != "ab   " {
		t.Fatalf("expected right-padded frame, got %q", out)
	}
	same := normalize([]byte("abcde"), 5)
	if string(same) != "abcde" {
		t.Fatalf("expected an already-matching frame to be returned unchanged, got %q", same)
	}
}

func TestSortedWeightsOrdersAscending(t *testing.T) {
	rep := map[float64][]byte{10: nil, 0: nil, 5: nil}
	got := sortedWeights(rep)
	want := []float64{0, 5, 10}
	if len(got) != len(want) {
		t.Fatalf("unexpected length: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sorted weights %v, got %v", want, got)
		}
	}
}
