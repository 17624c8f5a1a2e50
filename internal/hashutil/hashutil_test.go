package hashutil

import "testing"

func TestSumMatchesIncrementalHashing(t *testing.T) {
	content := []byte("the quick brown fox")

	h := New()
	if _, err := h.Write(content[:9]); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := h.Write(content[9:]); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if got, want := Encode(h), Sum(content); got != want {
		t.Errorf("incremental hash %s differs from one-shot %s", got, want)
	}
}

func TestSumIsLowercaseHex(t *testing.T) {
	sum := Sum([]byte("abc"))
	if len(sum) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sum))
	}
	for _, c := range sum {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Errorf("unexpected character %q in hash", c)
		}
	}
}
