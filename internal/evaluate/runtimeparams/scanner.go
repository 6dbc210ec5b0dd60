package runtimeparams

import (
	"fmt"
	"strings"
)

const (
	declarationEntryPoint = "add_parameters"
	csvDeclarationCall    = "add_csv_file"
	csvNameKeyword        = "variable_name"
)

// FindCSVParameterNames lists the variable_name of every add_csv_file call
// made inside a def add_parameters body, in source order. The source is only
// tokenized, never run. A *SyntaxError is returned for source that cannot be
// tokenized or whose statements are malformed.
func FindCSVParameterNames(src string) ([]string, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if err := checkStatements(tokens); err != nil {
		return nil, err
	}
	var names []string
	for i := 0; i+1 < len(tokens); i++ {
		if !tokens[i].is(tokName, "def") || !tokens[i+1].is(tokName, declarationEntryPoint) {
			continue
		}
		// async defs are a different node kind and not an entry point
		if i > 0 && tokens[i-1].is(tokName, "async") {
			continue
		}
		end := functionEnd(tokens, i)
		names = append(names, csvCallNames(tokens[i:end])...)
		i = end - 1
	}
	return names, nil
}

var compoundKeywords = map[string]bool{
	"if": true, "elif": true, "else": true, "while": true, "for": true,
	"try": true, "except": true, "finally": true, "with": true,
	"def": true, "class": true,
}

// checkStatements walks logical lines and rejects the structural mistakes
// the tokenizer lets through.
func checkStatements(tokens []token) error {
	start := 0
	for i, t := range tokens {
		switch t.kind {
		case tokIndent:
			if i < 2 || tokens[i-1].kind != tokNewline || !tokens[i-2].is(tokOp, ":") {
				return &SyntaxError{Line: t.line, Msg: "unexpected indent"}
			}
			start = i + 1
		case tokDedent:
			start = i + 1
		case tokNewline:
			if err := checkLine(tokens[start:i]); err != nil {
				return err
			}
			if i > 0 && tokens[i-1].is(tokOp, ":") && (i+1 >= len(tokens) || tokens[i+1].kind != tokIndent) {
				return &SyntaxError{Line: tokens[i-1].line, Msg: "expected an indented block"}
			}
			start = i + 1
		}
	}
	return nil
}

func checkLine(line []token) error {
	if len(line) == 0 {
		return nil
	}
	head := line[0]
	if head.is(tokName, "async") && len(line) > 1 {
		head = line[1]
	}
	if head.kind == tokName && compoundKeywords[head.text] && !hasHeaderColon(line) {
		return &SyntaxError{Line: head.line, Msg: fmt.Sprintf("expected ':' in %s statement", head.text)}
	}
	for k, t := range line {
		if !t.is(tokOp, "=") {
			continue
		}
		if k == 0 || k+1 == len(line) || missingOperand(line[k+1]) {
			return &SyntaxError{Line: t.line, Msg: "invalid syntax near '='"}
		}
	}
	return nil
}

func hasHeaderColon(line []token) bool {
	depth := 0
	for _, t := range line {
		if t.kind != tokOp {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		case ":":
			if depth == 0 {
				return true
			}
		}
	}
	return false
}

// missingOperand reports tokens that cannot start the right side of '='.
func missingOperand(t token) bool {
	if t.kind != tokOp {
		return false
	}
	switch t.text {
	case "=", ")", "]", "}", ",", ";", ":":
		return true
	}
	return false
}

// functionEnd returns the index just past the body of the def starting at start.
func functionEnd(tokens []token, start int) int {
	depth := 0
	colon := -1
	for j := start; j < len(tokens); j++ {
		t := tokens[j]
		if t.kind == tokOp {
			switch t.text {
			case "(", "[", "{":
				depth++
			case ")", "]", "}":
				depth--
			case ":":
				if depth == 0 {
					colon = j
				}
			}
		}
		if colon >= 0 || t.kind == tokEOF {
			break
		}
	}
	if colon < 0 {
		return len(tokens)
	}

	// a suite starts with NEWLINE INDENT; anything else is a one-line body
	if colon+2 < len(tokens) && tokens[colon+1].kind == tokNewline && tokens[colon+2].kind == tokIndent {
		level := 0
		for k := colon + 2; k < len(tokens); k++ {
			switch tokens[k].kind {
			case tokIndent:
				level++
			case tokDedent:
				level--
				if level == 0 {
					return k + 1
				}
			}
		}
		return len(tokens)
	}
	for k := colon + 1; k < len(tokens); k++ {
		if tokens[k].kind == tokNewline {
			return k + 1
		}
	}
	return len(tokens)
}

// csvCallNames finds <expr>.add_csv_file(...) calls and extracts a literal
// variable_name keyword. Nested calls inside arguments are found as well.
func csvCallNames(tokens []token) []string {
	var names []string
	for k := 0; k+2 < len(tokens); k++ {
		if !tokens[k].is(tokOp, ".") || !tokens[k+1].is(tokName, csvDeclarationCall) || !tokens[k+2].is(tokOp, "(") {
			continue
		}
		for _, arg := range callArguments(tokens[k+3:]) {
			if len(arg) < 3 || !arg[0].is(tokName, csvNameKeyword) || !arg[1].is(tokOp, "=") {
				continue
			}
			if name, ok := stringConstant(arg[2:]); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

// callArguments splits the tokens following an opening parenthesis into
// top-level arguments, stopping at the matching close.
func callArguments(tokens []token) [][]token {
	var args [][]token
	depth := 0
	begin := 0
	for i, t := range tokens {
		if t.kind != tokOp {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			if depth == 0 {
				if i > begin {
					args = append(args, tokens[begin:i])
				}
				return args
			}
			depth--
		case ",":
			if depth == 0 {
				args = append(args, tokens[begin:i])
				begin = i + 1
			}
		}
	}
	return args
}

// stringConstant accepts one or more adjacent str literals, optionally
// wrapped in parentheses. f-strings and bytes are not constants of type str.
func stringConstant(tokens []token) (string, bool) {
	for len(tokens) >= 2 && tokens[0].is(tokOp, "(") && tokens[len(tokens)-1].is(tokOp, ")") {
		tokens = tokens[1 : len(tokens)-1]
	}
	if len(tokens) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, t := range tokens {
		if t.kind != tokString || strings.ContainsAny(t.prefix, "fb") {
			return "", false
		}
		b.WriteString(t.value)
	}
	return b.String(), true
}
