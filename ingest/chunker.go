package ingest

import "strings"

// Chunker splits extracted text into overlapping windows. Overlap must be
// strictly smaller than size; the config layer enforces that before a
// Chunker is ever built.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) Chunker {
	return Chunker{Size: size, Overlap: overlap}
}

// Seq returns a pull iterator over the chunks so callers can stop early
// without materializing a large document. The sequence is always finite.
func (c Chunker) Seq(text string) func() (string, bool) {
	runes := []rune(strings.TrimSpace(text))
	step := c.Size - c.Overlap
	pos := 0
	done := len(runes) == 0 || c.Size <= 0 || step <= 0
	return func() (string, bool) {
		for !done {
			end := pos + c.Size
			if end >= len(runes) {
				end = len(runes)
				done = true
			}
			chunk := strings.TrimSpace(string(runes[pos:end]))
			pos += step
			if chunk != "" {
				return chunk, true
			}
		}
		return "", false
	}
}

// Split materializes the full chunk sequence.
func (c Chunker) Split(text string) []string {
	var out []string
	next := c.Seq(text)
	for {
		chunk, ok := next()
		if !ok {
			return out
		}
		out = append(out, chunk)
	}
}
