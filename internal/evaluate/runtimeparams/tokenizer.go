package runtimeparams

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokName
	tokNumber
	tokString
	tokOp
	tokNewline
	tokIndent
	tokDedent
)

type token struct {
	kind   tokenKind
	text   string
	value  string // decoded body of string literals
	prefix string // lower-cased string prefix, e.g. "r", "f", "rb"
	line   int
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

// SyntaxError reports source the tokenizer could not make sense of.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

var operators = []string{
	"**=", "//=", ">>=", "<<=", "...",
	"->", ":=", "**", "//", ">>", "<<", "<=", ">=", "==", "!=",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "@=",
	"(", ")", "[", "]", "{", "}", ":", ",", ";", ".",
	"+", "-", "*", "/", "%", "&", "|", "^", "~", "<", ">", "=", "@", "!",
}

var closing = map[string]string{")": "(", "]": "[", "}": "{"}

type lexer struct {
	src      string
	pos      int
	line     int
	indents  []int
	brackets []string
	tokens   []token
	atLine   bool // at the start of a logical line
}

// tokenize splits Python source into tokens. It tracks indentation and
// bracket nesting the way the Python tokenizer does; comments are dropped.
func tokenize(src string) ([]token, error) {
	lx := &lexer{src: src, line: 1, indents: []int{0}, atLine: true}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.tokens, nil
}

func (lx *lexer) errorf(format string, args ...interface{}) error {
	return &SyntaxError{Line: lx.line, Msg: fmt.Sprintf(format, args...)}
}

func (lx *lexer) emit(kind tokenKind, text string) {
	lx.tokens = append(lx.tokens, token{kind: kind, text: text, line: lx.line})
}

func (lx *lexer) run() error {
	for {
		if lx.atLine && len(lx.brackets) == 0 {
			done, err := lx.indentation()
			if err != nil {
				return err
			}
			if done {
				break
			}
			continue
		}
		if lx.pos >= len(lx.src) {
			break
		}
		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\f':
			lx.pos++
		case c == '#':
			lx.skipComment()
		case c == '\\':
			if err := lx.continuation(); err != nil {
				return err
			}
		case c == '\r' || c == '\n':
			lx.newline()
			if len(lx.brackets) == 0 {
				lx.emit(tokNewline, "")
				lx.atLine = true
			}
		default:
			if err := lx.next(); err != nil {
				return err
			}
		}
	}
	if len(lx.brackets) > 0 {
		return lx.errorf("unclosed %q", lx.brackets[len(lx.brackets)-1])
	}
	if n := len(lx.tokens); n > 0 && lx.tokens[n-1].kind != tokNewline && lx.tokens[n-1].kind != tokDedent {
		lx.emit(tokNewline, "")
	}
	for len(lx.indents) > 1 {
		lx.indents = lx.indents[:len(lx.indents)-1]
		lx.emit(tokDedent, "")
	}
	lx.emit(tokEOF, "")
	return nil
}

// indentation measures leading whitespace of a new logical line and emits
// INDENT/DEDENT. Blank and comment-only lines are consumed without tokens.
// It reports done at end of input.
func (lx *lexer) indentation() (bool, error) {
	width := 0
scan:
	for lx.pos < len(lx.src) {
		switch lx.src[lx.pos] {
		case ' ':
			width++
		case '\t':
			width = (width/8 + 1) * 8
		case '\f':
			width = 0
		default:
			break scan
		}
		lx.pos++
	}
	if lx.pos >= len(lx.src) {
		return true, nil
	}
	switch c := lx.src[lx.pos]; {
	case c == '#':
		lx.skipComment()
		return false, nil
	case c == '\r' || c == '\n':
		lx.newline()
		return false, nil
	case c == '\\':
		// a continuation right after indentation keeps the line open
		if err := lx.continuation(); err != nil {
			return false, err
		}
		return false, nil
	}

	lx.atLine = false
	top := lx.indents[len(lx.indents)-1]
	if width > top {
		lx.indents = append(lx.indents, width)
		lx.emit(tokIndent, "")
		return false, nil
	}
	for width < lx.indents[len(lx.indents)-1] {
		lx.indents = lx.indents[:len(lx.indents)-1]
		lx.emit(tokDedent, "")
	}
	if width != lx.indents[len(lx.indents)-1] {
		return false, lx.errorf("unindent does not match any outer indentation level")
	}
	return false, nil
}

func (lx *lexer) skipComment() {
	for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' && lx.src[lx.pos] != '\r' {
		lx.pos++
	}
}

func (lx *lexer) newline() {
	if lx.src[lx.pos] == '\r' && lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '\n' {
		lx.pos++
	}
	lx.pos++
	lx.line++
}

func (lx *lexer) continuation() error {
	lx.pos++
	if lx.pos >= len(lx.src) {
		return lx.errorf("unexpected end of file after line continuation")
	}
	if c := lx.src[lx.pos]; c != '\n' && c != '\r' {
		return lx.errorf("unexpected character after line continuation")
	}
	lx.newline()
	return nil
}

func (lx *lexer) next() error {
	rest := lx.src[lx.pos:]
	r, size := utf8.DecodeRuneInString(rest)
	if r == utf8.RuneError && size == 1 {
		return lx.errorf("invalid utf-8")
	}

	if isIdentStart(r) {
		end := 0
		for end < len(rest) {
			r, n := utf8.DecodeRuneInString(rest[end:])
			if !isIdentPart(r) {
				break
			}
			end += n
		}
		word := rest[:end]
		if end < len(rest) && (rest[end] == '\'' || rest[end] == '"') && isStringPrefix(word) {
			lx.pos += end
			return lx.stringLiteral(strings.ToLower(word))
		}
		lx.emit(tokName, word)
		lx.pos += end
		return nil
	}
	if r == '\'' || r == '"' {
		return lx.stringLiteral("")
	}
	if unicode.IsDigit(r) || (r == '.' && len(rest) > 1 && rest[1] >= '0' && rest[1] <= '9') {
		lx.number()
		return nil
	}
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			if err := lx.bracket(op); err != nil {
				return err
			}
			lx.emit(tokOp, op)
			lx.pos += len(op)
			return nil
		}
	}
	return lx.errorf("invalid character %q", r)
}

func (lx *lexer) bracket(op string) error {
	switch op {
	case "(", "[", "{":
		lx.brackets = append(lx.brackets, op)
	case ")", "]", "}":
		if len(lx.brackets) == 0 || lx.brackets[len(lx.brackets)-1] != closing[op] {
			return lx.errorf("unmatched %q", op)
		}
		lx.brackets = lx.brackets[:len(lx.brackets)-1]
	}
	return nil
}

func (lx *lexer) number() {
	start := lx.pos
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if (c == '+' || c == '-') && lx.pos > start {
			prev := lx.src[lx.pos-1] | 0x20
			isHex := len(lx.src) > start+1 && lx.src[start+1]|0x20 == 'x'
			if prev == 'e' && !isHex {
				lx.pos++
				continue
			}
			break
		}
		if c == '_' || c == '.' || (c >= '0' && c <= '9') || (c|0x20 >= 'a' && c|0x20 <= 'z') {
			lx.pos++
			continue
		}
		break
	}
	lx.emit(tokNumber, lx.src[start:lx.pos])
}

func (lx *lexer) stringLiteral(prefix string) error {
	startLine := lx.line
	quote := lx.src[lx.pos]
	delim := string(quote)
	if strings.HasPrefix(lx.src[lx.pos:], strings.Repeat(delim, 3)) {
		delim = strings.Repeat(delim, 3)
	}
	lx.pos += len(delim)
	bodyStart := lx.pos
	for {
		if lx.pos >= len(lx.src) {
			lx.line = startLine
			return lx.errorf("unterminated string literal")
		}
		c := lx.src[lx.pos]
		if c == '\\' {
			lx.pos++
			if lx.pos < len(lx.src) {
				if lx.src[lx.pos] == '\n' || lx.src[lx.pos] == '\r' {
					lx.newline()
				} else {
					lx.pos++
				}
			}
			continue
		}
		if c == '\n' || c == '\r' {
			if len(delim) == 1 {
				lx.line = startLine
				return lx.errorf("unterminated string literal")
			}
			lx.newline()
			continue
		}
		if strings.HasPrefix(lx.src[lx.pos:], delim) {
			break
		}
		lx.pos++
	}
	body := lx.src[bodyStart:lx.pos]
	lx.pos += len(delim)

	value := body
	if !strings.Contains(prefix, "r") {
		decoded, err := unescape(body, strings.Contains(prefix, "b"))
		if err != nil {
			lx.line = startLine
			return lx.errorf("%v", err)
		}
		value = decoded
	}
	lx.tokens = append(lx.tokens, token{
		kind:   tokString,
		text:   prefix + delim + body + delim,
		value:  value,
		prefix: prefix,
		line:   startLine,
	})
	return nil
}

func isStringPrefix(word string) bool {
	switch strings.ToLower(word) {
	case "r", "u", "b", "f", "br", "rb", "fr", "rf":
		return true
	}
	return false
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Mc, r)
}

// unescape decodes backslash escapes of a non-raw literal body.
func unescape(body string, isBytes bool) (string, error) {
	if !strings.Contains(body, `\`) {
		return body, nil
	}
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 >= len(body) {
			b.WriteByte(c)
			continue
		}
		i++
		switch e := body[i]; e {
		case '\n':
		case '\r':
			if i+1 < len(body) && body[i+1] == '\n' {
				i++
			}
		case '\\', '\'', '"':
			b.WriteByte(e)
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		case 'x':
			if i+2 >= len(body) {
				return "", fmt.Errorf("truncated \\x escape")
			}
			n, err := strconv.ParseUint(body[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("invalid \\x escape")
			}
			if isBytes {
				b.WriteByte(byte(n))
			} else {
				b.WriteRune(rune(n))
			}
			i += 2
		case 'u', 'U':
			if isBytes {
				b.WriteByte('\\')
				b.WriteByte(e)
				continue
			}
			width := 4
			if e == 'U' {
				width = 8
			}
			if i+width >= len(body) {
				return "", fmt.Errorf("truncated \\%c escape", e)
			}
			n, err := strconv.ParseUint(body[i+1:i+1+width], 16, 32)
			if err != nil || n > unicode.MaxRune {
				return "", fmt.Errorf("invalid \\%c escape", e)
			}
			b.WriteRune(rune(n))
			i += width
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(body) && j < i+3 && body[j] >= '0' && body[j] <= '7' {
				j++
			}
			n, _ := strconv.ParseUint(body[i:j], 8, 32)
			if isBytes {
				b.WriteByte(byte(n))
			} else {
				b.WriteRune(rune(n))
			}
			i = j - 1
		default:
			// unknown escapes (including \N{...}) are kept verbatim
			b.WriteByte('\\')
			b.WriteByte(e)
		}
	}
	return b.String(), nil
}
