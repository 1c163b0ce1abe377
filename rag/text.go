package rag

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldedText 去掉重音、转小写、按词切分后的文本，首尾各带一个空格，便于整词短语匹配.
type foldedText string

func foldText(s string) foldedText {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, s)
	if err != nil {
		plain = s
	}
	words := strings.FieldsFunc(strings.ToLower(plain), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	return foldedText(" " + strings.Join(words, " ") + " ")
}

func (f foldedText) has(phrase string) bool {
	return strings.Contains(string(f), " "+phrase+" ")
}

func (f foldedText) hasAny(phrases []string) bool {
	for _, p := range phrases {
		if f.has(p) {
			return true
		}
	}
	return false
}

func (f foldedText) words() []string {
	return strings.Fields(string(f))
}

// truncateRunes 按字符截断，不切断多字节字符.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
