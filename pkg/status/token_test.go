package status

import "testing"

func TestOwnerTokenRoundTrips(t *testing.T) {
	tok := OwnerToken(3, 42)
	if tok != "3:42" {
		t.Fatalf("expected 3:42, got %s", tok)
	}
}

func TestCompareOwnerTokensHigherTermWins(t *testing.T) {
	newer, err := CompareOwnerTokens(OwnerToken(2, 0), OwnerToken(1, 999))
	if err != nil {
		t.Fatal(err)
	}
	if !newer {
		t.Fatal("expected higher term to be newer regardless of index")
	}
}

func TestCompareOwnerTokensSameTermHigherIndexWins(t *testing.T) {
	newer, err := CompareOwnerTokens(OwnerToken(5, 10), OwnerToken(5, 9))
	if err != nil {
		t.Fatal(err)
	}
	if !newer {
		t.Fatal("expected higher index to be newer within the same term")
	}
}

func TestCompareOwnerTokensEqualIsNotNewer(t *testing.T) {
	newer, err := CompareOwnerTokens(OwnerToken(5, 10), OwnerToken(5, 10))
	if err != nil {
		t.Fatal(err)
	}
	if newer {
		t.Fatal("identical tokens must not compare as newer")
	}
}

func TestCompareOwnerTokensRejectsMalformedInput(t *testing.T) {
	if _, err := CompareOwnerTokens("bogus", OwnerToken(1, 1)); err == nil {
		t.Fatal("expected error for malformed token")
	}
	if _, err := CompareOwnerTokens(OwnerToken(1, 1), "also-bogus"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
