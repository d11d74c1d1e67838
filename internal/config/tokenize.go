// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package config

import (
	"fmt"
	"unicode"
)

// tokenizeShellArgs splits s into shell-style tokens: whitespace separates
// tokens, a backslash escapes the following character, and double quotes
// group whitespace into a single token. This mirrors the
// boost::escaped_list_separator('\\', ' ', '"') behavior
// original_source/Configuration.cpp uses for xvnc-args. No shell-lexer
// library exists anywhere in the retrieved example corpus (checked every
// go.mod and other_examples/ file), so this one piece is hand-written
// against the standard library rather than left unimplemented.
func tokenizeShellArgs(s string) ([]string, error) {
	var tokens []string
	var cur []rune
	inQuotes := false
	haveToken := false

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch {
		case r == '\\':
			i++
			if i >= len(runes) {
				return nil, fmt.Errorf("trailing backslash")
			}
			cur = append(cur, runes[i])
			haveToken = true
		case r == '"':
			inQuotes = !inQuotes
			haveToken = true
		case unicode.IsSpace(r) && !inQuotes:
			if haveToken {
				tokens = append(tokens, string(cur))
				cur = nil
				haveToken = false
			}
		default:
			cur = append(cur, r)
			haveToken = true
		}
	}

	if inQuotes {
		return nil, fmt.Errorf("unterminated quote")
	}
	if haveToken {
		tokens = append(tokens, string(cur))
	}

	return tokens, nil
}
