// Package tokenestimator approximates token usage per message with a cheap
// character-heuristic model, avoiding a real BPE tokenizer dependency.
package tokenestimator

import "unicode/utf8"

// charsPerToken is the divisor in the ceil(chars/4) heuristic. It is not
// tied to any specific tokenizer; the estimate is deliberately rough.
const charsPerToken = 4

// Estimate returns ceil(utf8_char_count(content) / charsPerToken). content is
// the raw frame bytes; invalid UTF-8 sequences are still counted as one rune
// each via utf8.RuneCount's replacement-character behavior.
func Estimate(content []byte) int {
	n := utf8.RuneCount(content)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}
