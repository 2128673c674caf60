package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePRMessageStripsAfterThematicBreak(t *testing.T) {
	msg := ParsePRMessage("add feature\n\nsome description\n\n---\nchecklist garbage\n- [ ] tested\n")

	assert.Equal(t, "add feature\n\nsome description", msg.Body)
	assert.Empty(t, msg.Headers)
}

func TestParsePRMessageKeepsSetexHeading(t *testing.T) {
	msg := ParsePRMessage("add feature\n\nIntro\n\nHeading\n---\nprose under the heading\n")

	assert.Contains(t, msg.Body, "Heading\n---\nprose under the heading")
}

func TestParseCommitMessageKeepsBreaks(t *testing.T) {
	msg := ParseCommitMessage("title\n\nbody\n\n---\nnot stripped for commits\n")

	assert.Contains(t, msg.Body, "not stripped for commits")
}

func TestParseHeaders(t *testing.T) {
	msg := ParseCommitMessage("title\n\nbody text\n\nSigned-off-by: A <a@example.com>\nCo-authored-by: B <b@example.com>\n")

	assert.Equal(t, "title\n\nbody text", msg.Body)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "Signed-off-by", msg.Headers[0].Name)
	assert.Equal(t, "Co-authored-by", msg.Headers[1].Name)
}

func TestEnsureClosesIsIdempotent(t *testing.T) {
	msg := ParsePRMessage("fix the bug\n\ndetails\n")

	msg.EnsureCloses("acme/widgets", 42)
	msg.EnsureCloses("acme/widgets", 42)

	rendered := msg.String()
	assert.Equal(t, 1, countOccurrences(rendered, "Closes: acme/widgets#42"), "rendered: %q", rendered)

	// re-running construction on the rendered result does not duplicate
	reparsed := ParseCommitMessage(rendered)
	reparsed.EnsureCloses("acme/widgets", 42)
	assert.Equal(t, 1, countOccurrences(reparsed.String(), "acme/widgets#42"))
}

func TestEnsureClosesOtherRepositoryIsKept(t *testing.T) {
	msg := ParseCommitMessage("fix\n\nCloses: acme/other#42\n")

	msg.EnsureCloses("acme/widgets", 42)

	rendered := msg.String()
	assert.Contains(t, rendered, "Closes: acme/other#42")
	assert.Contains(t, rendered, "Closes: acme/widgets#42")
}

func TestMentionsBareReference(t *testing.T) {
	msg := ParsePRMessage("fix\n\ncloses #42\n")
	assert.True(t, msg.Mentions("acme/widgets", 42))
	assert.False(t, msg.Mentions("acme/widgets", 43))
}

func TestMentionsReferenceAtLineStart(t *testing.T) {
	msg := ParsePRMessage("fix\n\n#42 is fixed by this\n")
	assert.True(t, msg.Mentions("acme/widgets", 42))

	msg.EnsureCloses("acme/widgets", 42)
	assert.Equal(t, 0, countOccurrences(msg.String(), "Closes: acme/widgets#42"), "rendered: %q", msg.String())

	// a header value may consist of the bare reference only
	trailer := ParseCommitMessage("fix\n\nCloses: #42\n")
	assert.True(t, trailer.Mentions("acme/widgets", 42))
}

func TestCoAuthoredByRenderedLast(t *testing.T) {
	msg := ParsePRMessage("title\n\nbody\n")
	msg.AddHeader("Co-authored-by", "A <a@example.com>")
	msg.AddHeader("closes", "acme/widgets#1")
	msg.AddHeader("Signed-off-by", "R <r@example.com>")

	rendered := msg.String()
	lines := nonEmptyTrailerLines(rendered)
	require.NotEmpty(t, lines)
	assert.Equal(t, "Co-authored-by: A <a@example.com>", lines[len(lines)-1])
}

func TestAddUniqueHeader(t *testing.T) {
	msg := ParsePRMessage("title\n")
	msg.AddUniqueHeader("Co-authored-by", "A <a@example.com>")
	msg.AddUniqueHeader("Co-authored-by", "A <a@example.com>")
	msg.AddUniqueHeader("Co-authored-by", "B <b@example.com>")

	require.Len(t, msg.Headers, 2)
}

func TestRenderWithoutHeaders(t *testing.T) {
	msg := ParsePRMessage("just a title\n")
	assert.Equal(t, "just a title\n", msg.String())
}

func TestTitleLineNeverModified(t *testing.T) {
	msg := ParsePRMessage("fix: closes #12 --- weird title\n\nbody\n")
	assert.Contains(t, msg.Body, "fix: closes #12 --- weird title")
}

func TestClosedIssues(t *testing.T) {
	issues := ClosedIssues("title\n\nFixes #12 and closes #34, relates to #56\n")
	assert.Equal(t, []int{12, 34}, issues)
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}

func nonEmptyTrailerLines(rendered string) []string {
	var lines []string
	for _, l := range splitLines(rendered) {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
