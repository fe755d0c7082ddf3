package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"kbassist-backend/models"

	"github.com/google/uuid"
)

const (
	// DefaultChunkSize is the flush threshold for non-code text, in runes.
	DefaultChunkSize = 500

	// DefaultChunkOverlap is kept for tuning parity; overlap is not re-injected
	// between chunks.
	DefaultChunkOverlap = 50

	// HeadingKey is the metadata key holding a chunk's section heading
	HeadingKey = "heading"

	codeFence = "```"
)

var (
	headingLine = regexp.MustCompile(`^#{1,6}(?:[ \t].*)?$`)
	codeUnit    = regexp.MustCompile("(?s)```\\w*.*?```|`[^`\n]+`")

	chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kbassist/chunk"))
)

// MarkdownChunker splits Markdown documents on heading boundaries without ever
// separating a code block.
type MarkdownChunker struct {
	chunkSize int
	overlap   int
	preamble  bool
}

// ChunkerOption configures a MarkdownChunker
type ChunkerOption func(*MarkdownChunker)

// WithChunkSize sets the flush threshold in runes
func WithChunkSize(size int) ChunkerOption {
	return func(m *MarkdownChunker) {
		if size > 0 {
			m.chunkSize = size
		}
	}
}

// WithOverlap records the target overlap
func WithOverlap(overlap int) ChunkerOption {
	return func(m *MarkdownChunker) {
		if overlap >= 0 {
			m.overlap = overlap
		}
	}
}

// WithPreamble emits text found before the first heading as a chunk with an
// empty heading instead of dropping it.
func WithPreamble(enabled bool) ChunkerOption {
	return func(m *MarkdownChunker) {
		m.preamble = enabled
	}
}

// NewMarkdownChunker creates a markdown-aware chunker
func NewMarkdownChunker(opts ...ChunkerOption) *MarkdownChunker {
	m := &MarkdownChunker{
		chunkSize: DefaultChunkSize,
		overlap:   DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.overlap >= m.chunkSize {
		m.overlap = m.chunkSize / 10
	}
	return m
}

// ChunkSize returns the configured flush threshold
func (m *MarkdownChunker) ChunkSize() int { return m.chunkSize }

// Overlap returns the configured target overlap
func (m *MarkdownChunker) Overlap() int { return m.overlap }

type section struct {
	heading string
	text    string
}

// Split produces the ordered chunks of a single document
func (m *MarkdownChunker) Split(doc models.Document) []models.Chunk {
	preamble, sections := splitSections(doc.Content)
	if m.preamble && strings.TrimSpace(preamble) != "" {
		sections = append([]section{{text: preamble}}, sections...)
	}

	var chunks []models.Chunk
	for _, sec := range sections {
		heading := cleanHeading(sec.heading)
		for _, content := range m.splitSection(sec.text) {
			meta := doc.Metadata.Clone()
			meta[HeadingKey] = heading
			chunks = append(chunks, models.Chunk{
				ID:       chunkID(doc, len(chunks), content),
				Content:  content,
				Metadata: meta,
				Source:   doc.Path,
				Index:    len(chunks),
			})
		}
	}
	return chunks
}

// SplitAll chunks every document in order
func (m *MarkdownChunker) SplitAll(docs []models.Document) []models.Chunk {
	var chunks []models.Chunk
	for _, doc := range docs {
		chunks = append(chunks, m.Split(doc)...)
	}
	return chunks
}

// splitSections divides a body into heading-scoped sections. Lines inside a
// fenced block never open a section.
func splitSections(body string) (string, []section) {
	var (
		preamble strings.Builder
		current  strings.Builder
		sections []section
		heading  string
		open     bool
		inFence  bool
	)

	finish := func() {
		if open {
			sections = append(sections, section{heading: heading, text: heading + "\n" + current.String()})
		}
		current.Reset()
	}

	for _, line := range strings.SplitAfter(body, "\n") {
		bare := strings.TrimRight(line, "\r\n")
		if !inFence && headingLine.MatchString(bare) {
			finish()
			heading, open = bare, true
			continue
		}
		if opensOrClosesFence(bare) {
			inFence = !inFence
		}
		if open {
			current.WriteString(line)
		} else {
			preamble.WriteString(line)
		}
	}
	finish()

	return preamble.String(), sections
}

// opensOrClosesFence reports whether a line is a fence delimiter. Fences only
// count at the start of a line; a block opened and closed on one line leaves
// the state unchanged.
func opensOrClosesFence(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, codeFence) && strings.Count(trimmed, codeFence)%2 == 1
}

// splitSection cuts one section into code-safe pieces
func (m *MarkdownChunker) splitSection(text string) []string {
	var (
		pieces []string
		buf    strings.Builder
		size   int
	)

	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			pieces = append(pieces, s)
		}
		buf.Reset()
		size = 0
	}
	add := func(s string) {
		buf.WriteString(s)
		size += utf8.RuneCountInString(s)
		if size > m.chunkSize {
			flush()
		}
	}
	addText := func(s string) {
		for _, line := range strings.SplitAfter(s, "\n") {
			if line != "" {
				add(line)
			}
		}
	}

	last := 0
	for _, loc := range codeUnit.FindAllStringIndex(text, -1) {
		between := text[last:loc[0]]
		if i := strings.Index(between, codeFence); i >= 0 {
			// unbalanced fence: the rest of the section stays together
			addText(between[:i])
			flush()
			return appendTrimmed(pieces, text[last+i:])
		}
		addText(between)

		unit := text[loc[0]:loc[1]]
		if strings.HasPrefix(unit, codeFence) {
			flush()
			pieces = appendTrimmed(pieces, unit)
		} else {
			add(unit)
		}
		last = loc[1]
	}

	rest := text[last:]
	if i := strings.Index(rest, codeFence); i >= 0 {
		addText(rest[:i])
		flush()
		return appendTrimmed(pieces, rest[i:])
	}
	addText(rest)
	flush()

	return pieces
}

func appendTrimmed(pieces []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		pieces = append(pieces, s)
	}
	return pieces
}

// cleanHeading strips the leading markers and surrounding whitespace
func cleanHeading(h string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(h), "#"))
}

func chunkID(doc models.Document, index int, content string) uuid.UUID {
	name := fmt.Sprintf("%s\x00%s\x00%d\x00%s", doc.Path, doc.Fingerprint, index, content)
	return uuid.NewSHA1(chunkNamespace, []byte(name))
}
