package recall

import (
	"bufio"
	"strings"

	"gopkg.in/yaml.v3"
)

// Size limits, in estimated tokens (token ≈ ⌈chars/4⌉).
const (
	// maxChunkTokens is the soft cap per chunk.
	maxChunkTokens = 500
	// overlapTokens is carried from the tail of one sub-chunk into the
	// next so split points don't lose context.
	overlapTokens = 40
	// minTailTokens drops trailing sub-chunks too small to be useful.
	minTailTokens = 50

	previewChars = 200
)

// section is a heading-bounded region of the document, before size
// limits are applied.
type section struct {
	title       string
	breadcrumbs []string
	lines       []string
	lineStart   int
	lineEnd     int
}

// ChunkMarkdown splits markdown into retrieval-ready chunks. Headings
// drive the split: a stack indexed by heading level gives each section
// its breadcrumb trail. Oversized sections are split further with a
// small overlap; continuations carry a "(cont.)" title suffix.
//
// An optional YAML frontmatter block is stripped; its "title" key, if
// present, becomes the root breadcrumb.
func ChunkMarkdown(source, content string) []Chunk {
	body, docTitle, offset := stripFrontmatter(content)

	var chunks []Chunk
	for _, sec := range splitSections(body, docTitle, offset) {
		chunks = append(chunks, sec.emit(source)...)
	}
	return chunks
}

// stripFrontmatter removes a leading YAML frontmatter block, returning
// the body, the frontmatter title (if any), and the number of lines
// removed.
func stripFrontmatter(content string) (body, title string, lines int) {
	if !strings.HasPrefix(content, "---\n") && content != "---" {
		return content, "", 0
	}
	rest := strings.TrimPrefix(content, "---\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return content, "", 0
	}
	block := rest[:end]
	after := rest[end+len("\n---"):]
	after = strings.TrimPrefix(after, "\n")

	var meta struct {
		Title string `yaml:"title"`
	}
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return content, "", 0
	}
	removed := strings.Count(content[:len(content)-len(after)], "\n")
	return after, meta.Title, removed
}

// splitSections walks the document line by line, maintaining a heading
// stack so every section knows its trail.
func splitSections(body, docTitle string, lineOffset int) []section {
	type level struct {
		depth int
		title string
	}
	var stack []level
	if docTitle != "" {
		stack = append(stack, level{depth: 0, title: docTitle})
	}

	crumbs := func() []string {
		out := make([]string, len(stack))
		for i, l := range stack {
			out[i] = l.title
		}
		return out
	}

	var sections []section
	var current *section
	flush := func(endLine int) {
		if current == nil {
			return
		}
		if strings.TrimSpace(strings.Join(current.lines, "\n")) != "" {
			current.lineEnd = endLine
			sections = append(sections, *current)
		}
		current = nil
	}

	inCode := false
	lineNo := lineOffset
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if strings.HasPrefix(line, "```") {
			inCode = !inCode
		}

		if !inCode {
			if depth, title, ok := headingOf(line); ok {
				flush(lineNo - 1)
				// Pop headings at or below this depth.
				for len(stack) > 0 && stack[len(stack)-1].depth >= depth {
					stack = stack[:len(stack)-1]
				}
				stack = append(stack, level{depth: depth, title: title})
				current = &section{
					title:       title,
					breadcrumbs: crumbs(),
					lineStart:   lineNo,
				}
				continue
			}
		}

		if current == nil {
			title := docTitle
			if title == "" {
				title = "(top)"
			}
			current = &section{
				title:       title,
				breadcrumbs: crumbs(),
				lineStart:   lineNo,
			}
		}
		current.lines = append(current.lines, line)
	}
	flush(lineNo)
	return sections
}

func headingOf(line string) (depth int, title string, ok bool) {
	trimmed := strings.TrimLeft(line, "#")
	depth = len(line) - len(trimmed)
	if depth == 0 || depth > 6 || !strings.HasPrefix(trimmed, " ") {
		return 0, "", false
	}
	title = strings.TrimSpace(trimmed)
	if title == "" {
		return 0, "", false
	}
	return depth, title, true
}

// emit converts a section into one or more size-limited chunks.
func (sec *section) emit(source string) []Chunk {
	content := strings.TrimSpace(strings.Join(sec.lines, "\n"))
	if content == "" {
		return nil
	}
	if estimateTokens(content) <= maxChunkTokens {
		return []Chunk{makeChunk(source, sec.title, sec.breadcrumbs, content, sec.lineStart, sec.lineEnd)}
	}

	var chunks []Chunk
	var buf []string
	bufChars := 0
	lineCursor := sec.lineStart
	chunkStart := sec.lineStart
	maxChars := maxChunkTokens * 4
	overlapChars := overlapTokens * 4

	flush := func(endLine int, final bool) {
		text := strings.TrimSpace(strings.Join(buf, "\n"))
		if text == "" {
			return
		}
		// A trailing fragment below the minimum would be noise.
		if final && len(chunks) > 0 && estimateTokens(text) < minTailTokens {
			return
		}
		title := sec.title
		if len(chunks) > 0 {
			title += " (cont.)"
		}
		chunks = append(chunks, makeChunk(source, title, sec.breadcrumbs, text, chunkStart, endLine))

		// Seed the next sub-chunk with the tail of this one.
		tail := text
		if len(tail) > overlapChars {
			tail = tail[len(tail)-overlapChars:]
			if i := strings.IndexByte(tail, '\n'); i >= 0 {
				tail = tail[i+1:]
			}
		}
		buf = nil
		bufChars = 0
		if !final && tail != "" {
			buf = append(buf, tail)
			bufChars = len(tail)
		}
		chunkStart = endLine + 1
	}

	for _, line := range sec.lines {
		buf = append(buf, line)
		bufChars += len(line) + 1
		if bufChars >= maxChars {
			flush(lineCursor, false)
		}
		lineCursor++
	}
	flush(sec.lineEnd, true)
	return chunks
}

func makeChunk(source, title string, breadcrumbs []string, content string, lineStart, lineEnd int) Chunk {
	return Chunk{
		Source:      source,
		Title:       title,
		Breadcrumbs: append([]string(nil), breadcrumbs...),
		Content:     content,
		Preview:     previewOf(content),
		LineStart:   lineStart,
		LineEnd:     lineEnd,
		TokenCount:  estimateTokens(content),
	}
}

// estimateTokens approximates token count as ⌈chars/4⌉.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// previewOf returns the first previewChars of content collapsed onto
// one line.
func previewOf(content string) string {
	oneLine := strings.Join(strings.Fields(content), " ")
	if len(oneLine) <= previewChars {
		return oneLine
	}
	cut := oneLine[:previewChars]
	if i := strings.LastIndexByte(cut, ' '); i > previewChars/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
