// Package tokens approximates model token counts without calling a
// tokenizer. Estimates drive compaction decisions only, so they need to be
// fast, deterministic and roughly right rather than exact.
package tokens

import "unicode"

// Characters per token by script class. CJK scripts pack far fewer
// characters into a token than Latin prose; code and symbol-heavy text
// sits in between.
const (
	latinCharsPerToken = 3.5
	cjkCharsPerToken   = 2.0
	codeCharsPerToken  = 3.0
)

// ImageTokens is the flat charge for an image content block.
const ImageTokens = 1500

// unknownPartTokens is the conservative charge for content blocks the
// estimator does not recognize.
const unknownPartTokens = 50

// Estimate returns an approximate token count for text. It is monotonic in
// the input (appending text never lowers the estimate) and side-effect
// free.
func Estimate(text string) int64 {
	if text == "" {
		return 0
	}
	var latin, cjk, code float64
	for _, r := range text {
		switch classify(r) {
		case classCJK:
			cjk++
		case classCode:
			code++
		default:
			latin++
		}
	}
	estimate := latin/latinCharsPerToken + cjk/cjkCharsPerToken + code/codeCharsPerToken
	// Round up so any non-empty input costs at least one token.
	n := int64(estimate)
	if float64(n) < estimate {
		n++
	}
	return n
}

type charClass int

const (
	classLatin charClass = iota
	classCJK
	classCode
)

func classify(r rune) charClass {
	switch {
	case unicode.Is(unicode.Han, r),
		unicode.Is(unicode.Hiragana, r),
		unicode.Is(unicode.Katakana, r),
		unicode.Is(unicode.Hangul, r):
		return classCJK
	case r == '\n', r == '\t':
		return classCode
	case unicode.IsLetter(r), unicode.IsDigit(r), r == ' ':
		return classLatin
	default:
		// Punctuation and symbols tokenize like code.
		return classCode
	}
}
