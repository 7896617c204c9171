package types

import (
	"fmt"
	"math/big"
	"strings"
)

// Token ids are carried as canonical decimal strings. Arithmetic goes
// through math/big so ids beyond 2^64 survive unchanged.

// ParseTokenID parses a decimal or 0x-prefixed hex token id.
func ParseTokenID(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty token id")
	}

	base := 10
	digits := s
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		base, digits = 16, rest
	}
	if digits == "" || strings.ContainsAny(digits, "+-_") {
		return nil, fmt.Errorf("invalid token id %q", s)
	}

	n, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", s)
	}
	return n, nil
}

// NormalizeTokenID returns the canonical decimal form of a token id.
func NormalizeTokenID(s string) (string, error) {
	n, err := ParseTokenID(s)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

// CompareTokenIDs orders two canonical token ids numerically. Ids that
// fail to parse sort before valid ones.
func CompareTokenIDs(a, b string) int {
	x, errA := ParseTokenID(a)
	y, errB := ParseTokenID(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return x.Cmp(y)
}

// TokenIDRange returns count consecutive ids starting at from.
func TokenIDRange(from *big.Int, count int) []string {
	out := make([]string, 0, count)
	cur := new(big.Int).Set(from)
	one := big.NewInt(1)
	for i := 0; i < count; i++ {
		out = append(out, cur.String())
		cur.Add(cur, one)
	}
	return out
}

// NormalizeAmount canonicalizes a non-negative integer amount in the
// smallest unit (wei). Empty input yields nil.
func NormalizeAmount(s *string) (*string, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(strings.TrimSpace(*s), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", *s)
	}
	out := n.String()
	return &out, nil
}
