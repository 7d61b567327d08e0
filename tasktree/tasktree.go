// Package tasktree extracts a structured task tree from a streaming,
// possibly truncated text buffer and renders it as display log lines.
//
// Extraction is tiered: a brace-balanced parse of the object rooted at
// a known key is the production path; while the buffer is still
// incomplete an incremental title scanner emits titles as they appear;
// a single-title regex is the last resort. All tiers share one seen-set
// so a title is never logged twice.
package tasktree

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Node is one task in the tree.
type Node struct {
	Title    string `json:"title"`
	Children []Node `json:"children,omitempty"`
}

// DefaultKey is the field the task tree is rooted under in the stream.
const DefaultKey = "taskTree"

// rootPrefix marks the tree root in log output.
const rootPrefix = "\U0001F4CB " // 📋

var fenceRe = regexp.MustCompile("(?m)^```[a-zA-Z]*[ \t]*$")

// StripFences removes markdown code fence lines from a buffer.
func StripFences(s string) string {
	return fenceRe.ReplaceAllString(s, "")
}

// ExtractBalanced returns the first fully brace-balanced object that
// follows `"key":` in s. Braces inside quoted strings are ignored and
// escape characters are tracked, so content like "{" in a title does
// not break the count. ok is false while the buffer is still truncated.
func ExtractBalanced(s, key string) (string, bool) {
	idx := strings.Index(s, `"`+key+`"`)
	if idx < 0 {
		return "", false
	}
	rest := s[idx+len(key)+2:]
	open := strings.Index(rest, "{")
	if open < 0 {
		return "", false
	}
	// Nothing but whitespace and the colon may sit between key and brace.
	if strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest[:open]), ":")) != "" {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(rest); i++ {
		c := rest[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			if inString {
				escaped = true
			}
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return rest[open : i+1], true
			}
		}
	}
	return "", false
}

// line pairs a rendered display line with the title it came from,
// so duplicate suppression can key on titles regardless of prefix.
type line struct {
	title string
	text  string
}

// RenderTree renders a tree as display lines: the root unprefixed
// beyond the marker, children connected with box-drawing characters,
// last children distinguished from middle ones.
func RenderTree(root Node) []string {
	lines := renderTree(root)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.text
	}
	return out
}

func renderTree(root Node) []line {
	lines := []line{{title: root.Title, text: rootPrefix + root.Title}}
	lines = append(lines, renderChildren(root.Children, "")...)
	return lines
}

func renderChildren(children []Node, indent string) []line {
	var lines []line
	for i, c := range children {
		connector := "├─ "
		childIndent := indent + "│  "
		if i == len(children)-1 {
			connector = "└─ "
			childIndent = indent + "   "
		}
		lines = append(lines, line{title: c.Title, text: indent + connector + c.Title})
		lines = append(lines, renderChildren(c.Children, childIndent)...)
	}
	return lines
}

var singleTitleRe = regexp.MustCompile(`"title"\s*:\s*"([^"]+)"`)

// Extractor incrementally extracts task titles from a growing buffer.
// Feed may be called repeatedly with ever larger buffers; each call
// returns only lines not emitted before.
type Extractor struct {
	seen map[string]bool
	key  string
}

// NewExtractor creates an extractor rooted at key (DefaultKey if empty).
func NewExtractor(key string) *Extractor {
	if key == "" {
		key = DefaultKey
	}
	return &Extractor{
		seen: make(map[string]bool),
		key:  key,
	}
}

// Feed processes the current full buffer and returns newly visible
// display lines. It always makes forward progress and never emits a
// title already present in the log.
func (e *Extractor) Feed(buf string) []string {
	s := StripFences(buf)

	if obj, ok := ExtractBalanced(s, e.key); ok {
		var root Node
		if err := json.Unmarshal([]byte(obj), &root); err == nil && root.Title != "" {
			return e.take(renderTree(root))
		}
	}

	if titles := scanTitles(s); len(titles) > 0 {
		return e.take(titles)
	}

	if m := singleTitleRe.FindStringSubmatch(s); m != nil {
		return e.take([]line{{title: m[1], text: rootPrefix + m[1]}})
	}

	return nil
}

// take filters lines through the seen-set, keyed by title.
func (e *Extractor) take(lines []line) []string {
	var out []string
	for _, l := range lines {
		if e.seen[l.title] {
			continue
		}
		e.seen[l.title] = true
		out = append(out, l.text)
	}
	return out
}

// scanTitles tokenizes a possibly truncated buffer and extracts title
// values in order. Depth is approximated by unmatched array brackets
// before each match, which is how far down the children nesting the
// title sits in well-formed input.
func scanTitles(s string) []line {
	var lines []line
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			if inString {
				escaped = true
			}
		case c == '"':
			if !inString && strings.HasPrefix(s[i:], `"title"`) {
				title, next, ok := parseTitleValue(s, i+len(`"title"`))
				if ok {
					lines = append(lines, line{title: title, text: titleLine(title, depth)})
					i = next - 1
					continue
				}
			}
			inString = !inString
		case inString:
		case c == '[':
			depth++
		case c == ']':
			depth--
		}
	}
	return lines
}

// parseTitleValue reads the string value after a "title" key starting
// at the colon position. Returns the decoded title, the index just
// past the closing quote, and whether the value was complete.
func parseTitleValue(s string, pos int) (string, int, bool) {
	for pos < len(s) && (s[pos] == ' ' || s[pos] == '\t' || s[pos] == '\n' || s[pos] == ':') {
		pos++
	}
	if pos >= len(s) || s[pos] != '"' {
		return "", pos, false
	}
	pos++
	var b strings.Builder
	for pos < len(s) {
		c := s[pos]
		if c == '\\' && pos+1 < len(s) {
			switch s[pos+1] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[pos+1])
			}
			pos += 2
			continue
		}
		if c == '"' {
			return b.String(), pos + 1, true
		}
		b.WriteByte(c)
		pos++
	}
	// Truncated mid-value; wait for more data.
	return "", pos, false
}

func titleLine(title string, depth int) string {
	if depth <= 0 {
		return rootPrefix + title
	}
	return strings.Repeat("   ", depth-1) + "├─ " + title
}
