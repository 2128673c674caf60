package strategy

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// thematicBreak matches markdown thematic breaks: three or more matching
// -, _ or * characters, optionally interspersed with spaces/tabs, indented
// by at most three spaces. Everything following a break in a PR description
// is cut off.
var thematicBreak = regexp.MustCompile(
	`^[ ]{0,3}(\*([ \t]*\*){2,}|_([ \t]*_){2,}|-([ \t]*-){2,})[ \t]*$`,
)

// setexUnderline matches lines which could be a SETEX heading underline
// rather than a thematic break. A heading underline is only kept when the
// preceding line is prose.
var setexUnderline = regexp.MustCompile(`^[ ]{0,3}[-=]+[ ]*$`)

var headerLine = regexp.MustCompile(`^([A-Za-z-]+): (.*)$`)

const coAuthoredBy = "Co-authored-by"

// Header is one "Name: value" trailer of a commit message.
type Header struct {
	Name  string
	Value string
}

// Message is a commit message split into a body and a trailing headers
// block. The format of the rendered message is relied upon by downstream
// tooling, the title line is never modified.
type Message struct {
	Body    string
	Headers []Header
}

// ParseCommitMessage splits an existing commit message into body and
// headers, without thematic break handling.
func ParseCommitMessage(msg string) *Message {
	return parseMessage(msg, false)
}

// ParsePRMessage parses a pull request description. The body is cut at the
// first thematic break, except when the break is really a SETEX-style
// heading underline followed by prose.
func ParsePRMessage(msg string) *Message {
	return parseMessage(msg, true)
}

func parseMessage(msg string, handleBreak bool) *Message {
	lines := strings.Split(msg, "\n")

	inHeaders := true
	maybeSetex := ""
	haveSetex := false

	var headers []Header
	var body []string

	// the title (first line) is never processed
	for i := len(lines) - 1; i >= 1; i-- {
		line := strings.TrimRight(lines[i], "\r")

		if haveSetex {
			if line != "" {
				// actually a SETEX title, keep the underline
				body = append(body, maybeSetex)
			} else {
				// actually a break, drop everything below
				body = nil
			}
			haveSetex = false
		}

		if line == "" {
			if !inHeaders && len(body) > 0 && body[len(body)-1] != "" {
				body = append(body, line)
			}
			continue
		}

		if handleBreak && thematicBreak.MatchString(line) {
			if setexUnderline.MatchString(line) {
				maybeSetex = line
				haveSetex = true
			} else {
				body = nil
			}
			continue
		}

		if h := headerLine.FindStringSubmatch(line); h != nil {
			if inHeaders || strings.EqualFold(h[1], coAuthoredBy) {
				headers = append(headers, Header{Name: h[1], Value: h[2]})
				continue
			}
		}

		body = append(body, line)
		inHeaders = false
	}

	// separate the title from the rest of the body
	if len(body) > 0 && body[len(body)-1] != "" {
		body = append(body, "")
	}
	body = append(body, lines[0])

	reverse(body)
	reverse(headers)

	return &Message{
		Body:    strings.TrimSpace(strings.Join(body, "\n")),
		Headers: headers,
	}
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// String renders the message: stripped body, one empty line, then the
// headers grouped by name. Co-authored-by headers are always rendered last,
// GitHub only recognizes them as a trailing block.
func (m *Message) String() string {
	if len(m.Headers) == 0 {
		return strings.TrimRight(m.Body, " \t\n") + "\n"
	}

	var keys []string
	seen := map[string]bool{}
	for _, h := range m.Headers {
		k := capitalize(h.Name)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	// stable: preserves insertion order within the two groups
	var ordered []string
	for _, k := range keys {
		if k != coAuthoredBy {
			ordered = append(ordered, k)
		}
	}
	for _, k := range keys {
		if k == coAuthoredBy {
			ordered = append(ordered, k)
		}
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(m.Body, " \t\n"))
	sb.WriteString("\n\n")
	for _, k := range ordered {
		for _, h := range m.Headers {
			if capitalize(h.Name) != k {
				continue
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(h.Value)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// AddHeader appends a header.
func (m *Message) AddHeader(name, value string) {
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// AddUniqueHeader appends a header unless the same name/value pair already
// exists.
func (m *Message) AddUniqueHeader(name, value string) {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) && h.Value == value {
			return
		}
	}

	m.AddHeader(name, value)
}

// Mentions returns whether the message already references the pull request
// <repoName>#<number>, either as a bare "#N" or as a full "owner/repo#N"
// reference.
func (m *Message) Mentions(repoName string, number int) bool {
	pattern := fmt.Sprintf(`(?m)(^|\s|\b%s)#%d\b`, regexp.QuoteMeta(repoName), number)
	re := regexp.MustCompile(pattern)

	if re.MatchString(m.Body) {
		return true
	}
	for _, h := range m.Headers {
		if re.MatchString(h.Value) {
			return true
		}
	}

	return false
}

// EnsureCloses adds a "closes <repo>#<number>" header unless the pull
// request is already referenced. A closes referencing a different
// repository is left alone.
func (m *Message) EnsureCloses(repoName string, number int) {
	if m.Mentions(repoName, number) {
		return
	}

	m.AddHeader("closes", fmt.Sprintf("%s#%d", repoName, number))
}

// EnsurePartOf adds a "Part-of: <repo>#<number>" header unless the pull
// request is already referenced.
func (m *Message) EnsurePartOf(repoName string, number int) {
	if m.Mentions(repoName, number) {
		return
	}

	m.AddHeader("Part-of", fmt.Sprintf("%s#%d", repoName, number))
}

// closingKeywords finds issue references that GitHub treats as closing
// keywords.
var closingKeywords = regexp.MustCompile(
	`(?i)\b(?:close|closes|closed|fix|fixes|fixed|resolve|resolves|resolved)\s+#([0-9]+)`,
)

// ClosedIssues returns the issue numbers a message claims to close.
func ClosedIssues(message string) []int {
	var result []int
	for _, m := range closingKeywords.FindAllStringSubmatch(message, -1) {
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		result = append(result, n)
	}

	return result
}
