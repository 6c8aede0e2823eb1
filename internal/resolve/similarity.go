package resolve

import (
	"math"
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/rules"
)

// fieldScore computes one field's similarity in [0,1] under its rule. Both
// values are known non-null when this is called.
func fieldScore(a, b model.FieldValue, rule rules.FieldRule) float64 {
	switch rule.Similarity {
	case rules.SimExact:
		return exactScore(a, b)
	case rules.SimStringDistance:
		return levenshtein.Similarity(NormalizeValue(a.String()), NormalizeValue(b.String()), nil)
	case rules.SimPhonetic:
		return phoneticScore(a.String(), b.String())
	case rules.SimNumericTolerance:
		return numericScore(a, b, rule.Tolerance)
	default:
		return 0
	}
}

func exactScore(a, b model.FieldValue) float64 {
	if a.Type != b.Type {
		return 0
	}
	if a.Type == model.FieldNumber {
		na, okA := a.Number()
		nb, okB := b.Number()
		if okA && okB && na == nb {
			return 1
		}
		return 0
	}
	if NormalizeValue(a.String()) == NormalizeValue(b.String()) {
		return 1
	}
	return 0
}

// numericScore maps the relative difference onto [0,1]: identical values
// score 1, values apart by exactly the tolerance score 0.
func numericScore(a, b model.FieldValue, tolerance float64) float64 {
	na, okA := a.Number()
	nb, okB := b.Number()
	if !okA || !okB {
		return 0
	}
	if tolerance <= 0 {
		if na == nb {
			return 1
		}
		return 0
	}
	diff := math.Abs(na - nb)
	if diff >= tolerance {
		return 0
	}
	return 1 - diff/tolerance
}

// phoneticScore compares soundex codes token-wise so multi-word names match
// regardless of token order.
func phoneticScore(a, b string) float64 {
	codesA := soundexTokens(a)
	codesB := soundexTokens(b)
	if len(codesA) == 0 || len(codesB) == 0 {
		return 0
	}
	matched := 0
	remaining := append([]string(nil), codesB...)
	for _, code := range codesA {
		for i, other := range remaining {
			if code == other {
				matched++
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return 2 * float64(matched) / float64(len(codesA)+len(codesB))
}

func soundexTokens(s string) []string {
	tokens := strings.Fields(NormalizeValue(s))
	codes := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if code := soundex(tok); code != "" {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

var soundexDigits = map[byte]byte{
	'B': '1', 'F': '1', 'P': '1', 'V': '1',
	'C': '2', 'G': '2', 'J': '2', 'K': '2', 'Q': '2', 'S': '2', 'X': '2', 'Z': '2',
	'D': '3', 'T': '3',
	'L': '4',
	'M': '5', 'N': '5',
	'R': '6',
}

// soundex implements the classic American Soundex code: first letter plus
// three digits, with H/W transparent between consonants of the same class.
func soundex(s string) string {
	if s == "" {
		return ""
	}
	first := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			first = c
			s = s[i:]
			break
		}
	}
	if first == 0 {
		return ""
	}

	code := []byte{first}
	prev := soundexDigits[first]
	for i := 1; i < len(s) && len(code) < 4; i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			prev = 0
			continue
		}
		if c == 'H' || c == 'W' {
			continue
		}
		d, ok := soundexDigits[c]
		if !ok {
			prev = 0
			continue
		}
		if d != prev {
			code = append(code, d)
		}
		prev = d
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}

// scorePair computes the weighted aggregate similarity for a record pair.
// Fields where either side is null are excluded from the weight sum; a field
// scoring below its own threshold contributes 0 but keeps its weight.
func scorePair(a, b model.Record, rs *rules.MatchRuleSet) model.MatchCandidate {
	cand := model.MatchCandidate{
		RecordA:        a.ID,
		RecordB:        b.ID,
		RuleSetVersion: rs.Version,
	}

	names := make([]string, 0, len(rs.Fields))
	for name := range rs.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var weighted, totalWeight float64
	for _, name := range names {
		rule := rs.Fields[name]
		if rule.Weight <= 0 {
			continue
		}
		va, okA := a.Payload.Get(name)
		vb, okB := b.Payload.Get(name)
		if !okA || !okB || va.IsNull() || vb.IsNull() {
			continue
		}
		score := fieldScore(va, vb, rule)
		if score < rule.Threshold {
			score = 0
		}
		cand.Fields = append(cand.Fields, model.FieldSimilarity{Field: name, Score: score})
		weighted += score * rule.Weight
		totalWeight += rule.Weight
	}

	if totalWeight > 0 {
		cand.Aggregate = weighted / totalWeight
	}
	return cand
}
