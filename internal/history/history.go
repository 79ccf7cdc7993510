// ABOUTME: Append-only per-agent transcript stored in hist.dat.
// ABOUTME: Writes response blocks with a timestamp footer and exports them as Markdown or HTML.

// Package history maintains the durable command transcript for an agent.
// Blocks are only ever appended; nothing here truncates or rewrites the file.
package history

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

// footerIndent and footerRule frame the timestamp line that closes each block.
const (
	footerIndent = "        "
	footerRule   = "==========="
)

var footerRE = regexp.MustCompile(`^` + footerIndent + footerRule + ` (.+) ` + footerRule + `$`)

// Footer returns the line that terminates a block written at ts.
func Footer(ts time.Time) string {
	return footerIndent + footerRule + " " + ts.Format(time.ANSIC) + " " + footerRule
}

// Append writes response followed by a timestamp footer to the file at path,
// creating it if needed. It returns the number of bytes written.
func Append(path, response string, ts time.Time) (int, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()

	block := response + "\n" + Footer(ts) + "\n"
	n, err := f.WriteString(block)
	if err != nil {
		return n, fmt.Errorf("appending history: %w", err)
	}
	return n, nil
}

// Entry is one response block recovered from a transcript.
type Entry struct {
	Timestamp string
	Response  string
}

// Parse splits a transcript into entries. Trailing text without a footer
// is returned as a final entry with an empty Timestamp.
func Parse(r io.Reader) ([]Entry, error) {
	var (
		entries []Entry
		body    []string
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := footerRE.FindStringSubmatch(line); m != nil {
			entries = append(entries, Entry{Timestamp: m[1], Response: strings.Join(body, "\n")})
			body = body[:0]
			continue
		}
		body = append(body, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	if len(body) > 0 {
		entries = append(entries, Entry{Response: strings.Join(body, "\n")})
	}
	return entries, nil
}

// Read parses the transcript at path. A missing file yields no entries.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Markdown renders entries as a document titled with project and agent.
func Markdown(project, agent string, entries []Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s / %s\n\n", project, agent)
	for _, e := range entries {
		ts := e.Timestamp
		if ts == "" {
			ts = "(unterminated)"
		}
		fence := "```"
		for strings.Contains(e.Response, fence) {
			fence += "`"
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n%s\n%s\n\n", ts, fence, e.Response, fence)
	}
	return b.String()
}

// ExportHTML renders entries to HTML through goldmark.
func ExportHTML(w io.Writer, project, agent string, entries []Entry) error {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(Markdown(project, agent, entries)), &buf); err != nil {
		return fmt.Errorf("rendering history: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
