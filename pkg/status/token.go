package status

import (
	"fmt"
	"strconv"
	"strings"
)

// OwnerToken derives a Migration's owner_token from the Raft (term,
// index) pair of the log entry that last claimed it, letting another
// coordinator take over a Migration by CAS-claiming it. Raft terms and
// indexes only increase, so the token is monotonic for free, with no
// separate clock or counter needed.
func OwnerToken(term, index uint64) string {
	return fmt.Sprintf("%d:%d", term, index)
}

// CompareOwnerTokens reports whether a is strictly newer than b, lexically
// comparing (term, index) pairs. It returns an error if either token is
// malformed, which should never happen for tokens this package issued.
func CompareOwnerTokens(a, b string) (newer bool, err error) {
	at, ai, err := parseOwnerToken(a)
	if err != nil {
		return false, err
	}
	bt, bi, err := parseOwnerToken(b)
	if err != nil {
		return false, err
	}
	if at != bt {
		return at > bt, nil
	}
	return ai > bi, nil
}

func parseOwnerToken(token string) (term, index uint64, err error) {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed owner token %q", token)
	}
	term, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed owner token %q: %w", token, err)
	}
	index, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed owner token %q: %w", token, err)
	}
	return term, index, nil
}
