package upstream

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; a cut at byte 4 lands inside the second one.
	got := truncate("aéé", 4)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate split a rune: %q", got)
	}
	if got != "aé..." {
		t.Fatalf("unexpected result %q", got)
	}

	long := strings.Repeat("€", maxErrorBody)
	got = truncate(long, maxErrorBody)
	if !utf8.ValidString(got) || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected result for long body: %q", got[len(got)-8:])
	}

	if got := truncate("short", maxErrorBody); got != "short" {
		t.Fatalf("short input changed: %q", got)
	}
}
