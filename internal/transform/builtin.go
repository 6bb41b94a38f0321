package transform

import (
	"bytes"
	"regexp"
	"strings"
)

// Built-in baseline transformers. These cover the structural rewrites the
// proxy owns outright; a full compiler (Babel/PostCSS equivalent) can be
// registered over them via Registry.Register.

// declRe matches let/const declaration keywords at statement position.
var declRe = regexp.MustCompile(`(^|[\s;{}()\[\],])(let|const)(\s)`)

// exportRe matches export keywords that legacy engines reject outright.
var exportRe = regexp.MustCompile(`(^|[\s;}])export\s+(default\s+)?`)

// downlevelJS rewrites block-scoped declarations to var and, when ESM
// bundling is active, strips module syntax that would stop a classic
// script parser cold. String and comment regions are left untouched.
func downlevelJS(_ Kind, body []byte, _ string, flags Flags) ([]byte, error) {
	out := make([]byte, 0, len(body))

	for _, region := range splitCodeRegions(body) {
		if !region.code {
			out = append(out, region.text...)
			continue
		}
		text := region.text
		text = declRe.ReplaceAll(text, []byte("${1}var${3}"))
		if flags.BundleESModules {
			text = exportRe.ReplaceAll(text, []byte("${1}"))
		}
		out = append(out, text...)
	}

	return out, nil
}

// prefixedProps maps bare CSS declarations to the -webkit- duplicates
// legacy WebKit engines need in front of them.
var prefixedProps = map[string]string{
	"display:flex":         "display:-webkit-flex",
	"display:inline-flex":  "display:-webkit-inline-flex",
	"position:sticky":      "position:-webkit-sticky",
	"user-select":          "-webkit-user-select",
	"backdrop-filter":      "-webkit-backdrop-filter",
	"appearance":           "-webkit-appearance",
}

// prefixCSS inserts vendor-prefixed duplicates ahead of properties that
// legacy WebKit only understands prefixed.
func prefixCSS(_ Kind, body []byte, _ string, _ Flags) ([]byte, error) {
	s := string(body)

	// Value-level prefixes (display:flex and friends) need the whole
	// declaration duplicated; property-level prefixes only the name.
	for bare, prefixed := range prefixedProps {
		if strings.Contains(bare, ":") {
			s = duplicateDeclaration(s, bare, prefixed)
		} else {
			s = duplicateProperty(s, bare, prefixed)
		}
	}

	return []byte(s), nil
}

// duplicateDeclaration inserts "prefixed;" before each "bare" declaration.
func duplicateDeclaration(css, bare, prefixed string) string {
	prop, value, _ := strings.Cut(bare, ":")
	re := regexp.MustCompile(`(?i)(^|[;{])(\s*)` + regexp.QuoteMeta(prop) + `\s*:\s*` + regexp.QuoteMeta(value) + `\b`)
	return re.ReplaceAllString(css, "${1}${2}"+prefixed+";${2}"+prop+":"+value)
}

// duplicateProperty inserts a prefixed copy of a whole declaration whose
// property name matches bare.
func duplicateProperty(css, bare, prefixed string) string {
	re := regexp.MustCompile(`(?i)(^|[;{])(\s*)` + regexp.QuoteMeta(bare) + `(\s*:\s*)([^;}]+)`)
	return re.ReplaceAllString(css, "${1}${2}"+prefixed+"${3}${4};${2}"+bare+"${3}${4}")
}

// passHTML leaves markup unchanged; polyfill injection happens in the
// pipeline after the transform step.
func passHTML(_ Kind, body []byte, _ string, _ Flags) ([]byte, error) {
	return body, nil
}

// region is a span of source that is either code or literal text
// (string, template, or comment).
type region struct {
	text []byte
	code bool
}

// splitCodeRegions splits JS source into code and literal regions so the
// keyword rewrites never touch string or comment contents.
func splitCodeRegions(src []byte) []region {
	var regions []region
	start := 0
	i := 0

	flush := func(end int, code bool) {
		if end > start {
			regions = append(regions, region{text: src[start:end], code: code})
		}
		start = end
	}

	for i < len(src) {
		c := src[i]
		switch c {
		case '"', '\'', '`':
			flush(i, true)
			quote := c
			j := i + 1
			for j < len(src) {
				if src[j] == '\\' {
					j += 2
					continue
				}
				if src[j] == quote {
					j++
					break
				}
				// Plain strings end at a newline; templates span lines.
				if quote != '`' && (src[j] == '\n' || src[j] == '\r') {
					break
				}
				j++
			}
			i = j
			flush(i, false)
		case '/':
			if i+1 < len(src) && src[i+1] == '/' {
				flush(i, true)
				j := bytes.IndexByte(src[i:], '\n')
				if j < 0 {
					i = len(src)
				} else {
					i += j
				}
				flush(i, false)
			} else if i+1 < len(src) && src[i+1] == '*' {
				flush(i, true)
				j := bytes.Index(src[i+2:], []byte("*/"))
				if j < 0 {
					i = len(src)
				} else {
					i += 2 + j + 2
				}
				flush(i, false)
			} else {
				i++
			}
		default:
			i++
		}
	}
	flush(len(src), true)

	return regions
}
