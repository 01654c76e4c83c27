package query

import (
	"regexp"
	"regexp/syntax"
	"strings"
	"sync"
)

var regexCache sync.Map // pattern+options -> *regexp.Regexp

// compileRegex compiles pattern honoring $options flags: i (case
// insensitive), m (multiline), s (dot matches newline) and x (extended:
// unescaped whitespace and #-comments outside classes are ignored). Unknown
// flags are rejected.
func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	key := options + "/" + pattern
	if re, ok := regexCache.Load(key); ok {
		return re.(*regexp.Regexp), nil
	}

	var flags strings.Builder
	for _, f := range options {
		switch f {
		case 'i', 'm', 's':
			if !strings.ContainsRune(flags.String(), f) {
				flags.WriteRune(f)
			}
		case 'x':
			pattern = stripExtended(pattern)
		default:
			return nil, &syntax.Error{Code: syntax.ErrInvalidPerlOp, Expr: string(f)}
		}
	}
	expr := pattern
	if flags.Len() > 0 {
		expr = "(?" + flags.String() + ")" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	regexCache.Store(key, re)
	return re, nil
}

// stripExtended removes whitespace and comments the way PCRE's extended mode
// does. Escaped characters and character classes are kept verbatim.
func stripExtended(pattern string) string {
	var out strings.Builder
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			out.WriteByte(c)
			out.WriteByte(pattern[i+1])
			i++
		case inClass:
			if c == ']' {
				inClass = false
			}
			out.WriteByte(c)
		case c == '[':
			inClass = true
			out.WriteByte(c)
		case c == '#':
			for i < len(pattern) && pattern[i] != '\n' {
				i++
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}
