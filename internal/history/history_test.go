// ABOUTME: Tests for the append-only transcript
// ABOUTME: Checks monotonic growth, byte preservation, parsing, and HTML export

package history

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_MonotonicAndPreserving(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hist.dat")
	ts := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

	n1, err := Append(path, `WIN\user`, ts)
	require.NoError(t, err)
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, n1, len(first))
	assert.Equal(t, len(`WIN\user`)+1+len(Footer(ts))+1, n1)

	n2, err := Append(path, "second\nresponse", ts.Add(time.Minute))
	require.NoError(t, err)
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, len(first)+n2, len(second))
	assert.True(t, bytes.HasPrefix(second, first), "earlier bytes are untouched")
}

func TestFooter_Format(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	assert.Equal(t, "        =========== Tue Mar  5 14:07:09 2024 ===========", Footer(ts))
}

func TestParse(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	var buf strings.Builder
	buf.WriteString("one\n" + Footer(ts) + "\n")
	buf.WriteString("two\nlines\n" + Footer(ts.Add(time.Hour)) + "\n")
	buf.WriteString("partial")

	entries, err := Parse(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, Entry{Timestamp: "Tue Mar  5 14:07:09 2024", Response: "one"}, entries[0])
	assert.Equal(t, "two\nlines", entries[1].Response)
	assert.Equal(t, "", entries[2].Timestamp)
	assert.Equal(t, "partial", entries[2].Response)
}

func TestRead_MissingFile(t *testing.T) {
	entries, err := Read(filepath.Join(t.TempDir(), "hist.dat"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExportHTML(t *testing.T) {
	entries := []Entry{{Timestamp: "Tue Mar  5 14:07:09 2024", Response: "<b>not bold</b>"}}
	var out bytes.Buffer
	require.NoError(t, ExportHTML(&out, "ProjectA", "HOST1-AA:BB:CC:DD:EE:FF", entries))

	html := out.String()
	assert.Contains(t, html, "<h1>ProjectA / HOST1-AA:BB:CC:DD:EE:FF</h1>")
	assert.Contains(t, html, "<pre><code>")
	assert.Contains(t, html, "&lt;b&gt;not bold&lt;/b&gt;", "response bodies are escaped inside code blocks")
}

func TestMarkdown_LongerFenceForBackticks(t *testing.T) {
	md := Markdown("P", "a", []Entry{{Timestamp: "t", Response: "```inner```"}})
	assert.Contains(t, md, "````\n```inner```\n````")
}
