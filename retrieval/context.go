package retrieval

import (
	"fmt"
	"strings"

	"github.com/SaintWyss/ragcore/model"
)

// BuiltContext is the grounded prompt context assembled from retrieved
// chunks.
type BuiltContext struct {
	Text       string
	ChunksUsed []model.SearchHit
}

const sourcesHeader = "\nFUENTES:\n"

// BuildContext renders hits in order into numbered source blocks, then
// appends the FUENTES index of everything included. The budget bounds the
// whole rendered text, index included, so each chunk is admitted only if its
// block plus its index line still fit. No hits within budget means an empty
// context: the caller treats that as "no evidence".
func BuildContext(hits []model.SearchHit, budget int) BuiltContext {
	var body strings.Builder
	var used []model.SearchHit
	indexLen := len(sourcesHeader)

	for _, hit := range hits {
		prov := provenance(hit)
		block := fmt.Sprintf("[S%d] %s\n%s\n", len(used)+1, prov, hit.Chunk.Content)
		line := fmt.Sprintf("[S%d] → %s\n", len(used)+1, prov)
		if body.Len()+len(block)+indexLen+len(line) > budget {
			break
		}
		body.WriteString(block)
		indexLen += len(line)
		used = append(used, hit)
	}

	if len(used) == 0 {
		return BuiltContext{}
	}

	var sources strings.Builder
	sources.WriteString(sourcesHeader)
	for i, hit := range used {
		fmt.Fprintf(&sources, "[S%d] → %s\n", i+1, provenance(hit))
	}
	return BuiltContext{Text: body.String() + sources.String(), ChunksUsed: used}
}

// provenance names where a chunk came from: title, optional source, and the
// chunk's position within the document.
func provenance(hit model.SearchHit) string {
	title := hit.Document.Title
	if title == "" {
		title = hit.Document.ID
	}
	if hit.Document.Source != "" {
		return fmt.Sprintf("%s (%s) #%d", title, hit.Document.Source, hit.Chunk.ChunkIndex)
	}
	return fmt.Sprintf("%s #%d", title, hit.Chunk.ChunkIndex)
}
