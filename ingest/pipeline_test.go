package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaintWyss/ragcore/config"
	"github.com/SaintWyss/ragcore/metrics"
	"github.com/SaintWyss/ragcore/model"
	"github.com/SaintWyss/ragcore/safety"
)

// fakeRepo mimics the store's status CAS with a mutex, which is exactly the
// atomicity the database UPDATE provides.
type fakeRepo struct {
	mu     sync.Mutex
	docs   map[string]*model.Document
	chunks map[string][]model.DocumentChunk
}

func newFakeRepo(docs ...*model.Document) *fakeRepo {
	r := &fakeRepo{docs: map[string]*model.Document{}, chunks: map[string][]model.DocumentChunk{}}
	for _, d := range docs {
		r.docs[d.ID] = d
	}
	return r
}

func (r *fakeRepo) DocumentByID(_ context.Context, workspaceID, documentID string) (*model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[documentID]
	if !ok || d.WorkspaceID != workspaceID {
		return nil, nil
	}
	copied := *d
	return &copied, nil
}

func (r *fakeRepo) TransitionStatus(_ context.Context, workspaceID, documentID string, from []model.DocumentStatus, to model.DocumentStatus, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[documentID]
	if !ok || d.WorkspaceID != workspaceID {
		return false, nil
	}
	for _, f := range from {
		if d.Status == f {
			d.Status = to
			d.ErrorMessage = model.TruncateError(errMsg)
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) DeleteChunksForDocument(_ context.Context, workspaceID, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunks, workspaceID+"/"+documentID)
	return nil
}

func (r *fakeRepo) SaveChunks(_ context.Context, workspaceID, documentID string, chunks []model.DocumentChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks[workspaceID+"/"+documentID] = chunks
	return nil
}

type fakeBlobs struct {
	data map[string][]byte
	err  error
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.data[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

type fakeEmbedder struct {
	short bool
	err   error
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := len(texts)
	if f.short && n > 0 {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, model.EmbeddingDim)
	}
	return out, nil
}

func testProcessor(repo *fakeRepo, blobs *fakeBlobs, embedder *fakeEmbedder) *Processor {
	m := metrics.New(prometheus.NewRegistry())
	filter := safety.NewFilter(config.InjectionDownrank, 0.6, m)
	return NewProcessor(repo, blobs, embedder, NewRegistry(), NewChunker(50, 10), filter, m)
}

func pendingDoc() *model.Document {
	return &model.Document{
		ID:          "doc-1",
		WorkspaceID: "ws-1",
		StorageKey:  "blobs/doc-1",
		MimeType:    "text/plain",
		Status:      model.StatusPending,
	}
}

func TestProcess_HappyPath(t *testing.T) {
	repo := newFakeRepo(pendingDoc())
	blobs := &fakeBlobs{data: map[string][]byte{"blobs/doc-1": []byte(strings.Repeat("texto de prueba ", 20))}}
	p := testProcessor(repo, blobs, &fakeEmbedder{})

	outcome, err := p.Process(context.Background(), "ws-1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, model.StatusReady, repo.docs["doc-1"].Status)

	chunks := repo.chunks["ws-1/doc-1"]
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, "ws-1", c.WorkspaceID)
		assert.Len(t, c.Embedding.Slice(), model.EmbeddingDim)
	}
}

func TestProcess_TerminalStatesShortCircuit(t *testing.T) {
	ready := pendingDoc()
	ready.Status = model.StatusReady
	processing := pendingDoc()
	processing.ID = "doc-2"
	processing.Status = model.StatusProcessing

	repo := newFakeRepo(ready, processing)
	p := testProcessor(repo, &fakeBlobs{}, &fakeEmbedder{})

	outcome, err := p.Process(context.Background(), "ws-1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, outcome)

	outcome, err = p.Process(context.Background(), "ws-1", "doc-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessing, outcome)
}

func TestProcess_Missing(t *testing.T) {
	repo := newFakeRepo()
	p := testProcessor(repo, &fakeBlobs{}, &fakeEmbedder{})

	outcome, err := p.Process(context.Background(), "ws-1", "ghost")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissing, outcome)
}

func TestProcess_WorkspaceScoped(t *testing.T) {
	repo := newFakeRepo(pendingDoc())
	p := testProcessor(repo, &fakeBlobs{}, &fakeEmbedder{})

	outcome, err := p.Process(context.Background(), "other-ws", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissing, outcome)
}

func TestProcess_MissingMetadataFails(t *testing.T) {
	doc := pendingDoc()
	doc.StorageKey = ""
	repo := newFakeRepo(doc)
	p := testProcessor(repo, &fakeBlobs{}, &fakeEmbedder{})

	outcome, err := p.Process(context.Background(), "ws-1", "doc-1")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, model.StatusFailed, repo.docs["doc-1"].Status)
	assert.Contains(t, repo.docs["doc-1"].ErrorMessage, "Missing file metadata")
}

func TestProcess_EmbeddingMismatchFails(t *testing.T) {
	repo := newFakeRepo(pendingDoc())
	blobs := &fakeBlobs{data: map[string][]byte{"blobs/doc-1": []byte(strings.Repeat("texto ", 50))}}
	p := testProcessor(repo, blobs, &fakeEmbedder{short: true})

	outcome, err := p.Process(context.Background(), "ws-1", "doc-1")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, model.StatusFailed, repo.docs["doc-1"].Status)
	assert.Empty(t, repo.chunks["ws-1/doc-1"], "no partial chunk batch may survive a failure")
}

func TestProcess_ErrorMessageTruncated(t *testing.T) {
	repo := newFakeRepo(pendingDoc())
	blobs := &fakeBlobs{err: errors.New(strings.Repeat("x", 2000))}
	p := testProcessor(repo, blobs, &fakeEmbedder{})

	_, err := p.Process(context.Background(), "ws-1", "doc-1")
	require.Error(t, err)
	assert.LessOrEqual(t, len(repo.docs["doc-1"].ErrorMessage), 503)
	assert.True(t, strings.HasSuffix(repo.docs["doc-1"].ErrorMessage, "…"))
}

func TestProcess_OnlyOneWorkerWinsLock(t *testing.T) {
	repo := newFakeRepo(pendingDoc())
	blobs := &fakeBlobs{data: map[string][]byte{"blobs/doc-1": []byte(strings.Repeat("contenido ", 30))}}

	const workers = 8
	outcomes := make(chan Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := testProcessor(repo, blobs, &fakeEmbedder{})
			outcome, _ := p.Process(context.Background(), "ws-1", "doc-1")
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	done := 0
	for o := range outcomes {
		if o == OutcomeDone {
			done++
		} else {
			assert.Contains(t, []Outcome{OutcomeProcessing, OutcomeReady}, o)
		}
	}
	assert.Equal(t, 1, done, "exactly one worker may win the status lock")
	assert.Equal(t, model.StatusReady, repo.docs["doc-1"].Status)
}
