package complexity

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC, trims the text and collapses whitespace runs to a
// single space. Cache keys and pattern matching both operate on this form.
func Normalize(text string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(text)), " ")
}

// input is the prepared form of one request shared by every scoring stage.
type input struct {
	text   string
	lower  string
	length int
}

func newInput(text string) *input {
	normalized := Normalize(text)
	return &input{
		text:   normalized,
		lower:  strings.ToLower(normalized),
		length: utf8.RuneCountInString(normalized),
	}
}
