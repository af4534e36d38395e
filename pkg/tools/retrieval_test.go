package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/models"
)

func strPtr(s string) *string { return &s }

func TestRetrieveChunksWritesSourceMap(t *testing.T) {
	retriever := &fakeRetriever{chunks: []models.ChunkResult{
		{DocumentID: "doc-A", ChunkNumber: 1, Content: "Llamas graze.", ContentType: "text/plain", Filename: strPtr("llamas.pdf"), Score: 0.91},
		{DocumentID: "doc-A", ChunkNumber: 2, Content: "data:image/png;base64,AAAA", ContentType: "image/png"},
	}}
	reg, _ := newTestRegistry(t, GraphModeLocal, retriever)

	sourceMap := SourceMap{}
	res, err := reg.Dispatch(context.Background(), testAuth(), "retrieve_chunks",
		`{"query":"llamas"}`, sourceMap)
	require.NoError(t, err)

	require.Len(t, res.Parts, 2)
	assert.Equal(t, "text", res.Parts[0].Type)
	assert.Contains(t, res.Parts[0].Text, "[Source: doc-A-chunk1]")
	assert.Contains(t, res.Parts[0].Text, "Llamas graze.")
	assert.Equal(t, "image_url", res.Parts[1].Type)

	require.Contains(t, sourceMap, "doc-A-chunk1")
	info := sourceMap["doc-A-chunk1"]
	assert.Equal(t, "doc-A", info.DocumentID)
	assert.Equal(t, "llamas.pdf", info.DocumentName)
	require.NotNil(t, info.ChunkNumber)
	assert.Equal(t, 1, *info.ChunkNumber)
	assert.Equal(t, "Llamas graze.", info.Content)
}

func TestRetrieveChunksEmptyResult(t *testing.T) {
	reg, _ := newTestRegistry(t, GraphModeLocal, &fakeRetriever{})

	res, err := reg.Dispatch(context.Background(), testAuth(), "retrieve_chunks",
		`{"query":"nothing matches"}`, SourceMap{})
	require.NoError(t, err)
	assert.False(t, res.HasParts())
	assert.Contains(t, res.Text, "No relevant information")
}

func TestRetrieveDocumentContentAndMetadata(t *testing.T) {
	reg, store := newTestRegistry(t, GraphModeLocal, &fakeRetriever{})
	ac := testAuth()

	doc := &models.Document{
		ExternalID:  "doc-1",
		ContentType: "text/plain",
		Filename:    strPtr("notes.txt"),
		Metadata:    map[string]interface{}{"topic": "llamas"},
		SystemMetadata: models.SystemMetadata{
			Content: "Full document text.",
			Status:  models.StatusCompleted,
		},
	}
	require.NoError(t, store.StoreDocument(context.Background(), ac, doc))

	sourceMap := SourceMap{}
	res, err := reg.Dispatch(context.Background(), ac, "retrieve_document",
		`{"document_id":"doc-1","mode":"content"}`, sourceMap)
	require.NoError(t, err)
	assert.Equal(t, "Full document text.", res.Text)

	require.Contains(t, sourceMap, "doc-1")
	info := sourceMap["doc-1"]
	assert.Equal(t, "notes.txt", info.DocumentName)
	assert.Nil(t, info.ChunkNumber)
	assert.Empty(t, info.AnalysisType)

	res, err = reg.Dispatch(context.Background(), ac, "retrieve_document",
		`{"document_id":"doc-1","mode":"metadata"}`, SourceMap{})
	require.NoError(t, err)
	assert.Contains(t, res.Text, `"topic": "llamas"`)
}

func TestRetrieveDocumentDeniedLooksMissing(t *testing.T) {
	reg, store := newTestRegistry(t, GraphModeLocal, &fakeRetriever{})
	owner := testAuth()

	require.NoError(t, store.StoreDocument(context.Background(), owner, &models.Document{
		ExternalID:  "doc-private",
		ContentType: "text/plain",
	}))

	other := testAuth()
	other.EntityID = "user-2"
	_, err := reg.Dispatch(context.Background(), other, "retrieve_document",
		`{"document_id":"doc-private"}`, SourceMap{})
	require.Error(t, err)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestDocumentAnalyzerRecordsAnalysisSource(t *testing.T) {
	retriever := &fakeRetriever{analysis: "Entities: Acme, Jane Doe."}
	reg, store := newTestRegistry(t, GraphModeLocal, retriever)
	ac := testAuth()

	require.NoError(t, store.StoreDocument(context.Background(), ac, &models.Document{
		ExternalID:  "doc-2",
		ContentType: "text/plain",
		Filename:    strPtr("report.pdf"),
	}))

	sourceMap := SourceMap{}
	res, err := reg.Dispatch(context.Background(), ac, "document_analyzer",
		`{"document_id":"doc-2","analysis_type":"entities"}`, sourceMap)
	require.NoError(t, err)
	assert.Equal(t, "Entities: Acme, Jane Doe.", res.Text)

	require.Contains(t, sourceMap, "doc-2-analysis")
	info := sourceMap["doc-2-analysis"]
	assert.Equal(t, "entities", info.AnalysisType)
	assert.Equal(t, "report.pdf", info.DocumentName)
}

func TestDocumentAnalyzerRejectsUnknownAnalysisType(t *testing.T) {
	reg, store := newTestRegistry(t, GraphModeLocal, &fakeRetriever{})
	ac := testAuth()
	require.NoError(t, store.StoreDocument(context.Background(), ac, &models.Document{
		ExternalID:  "doc-3",
		ContentType: "text/plain",
	}))

	_, err := reg.Dispatch(context.Background(), ac, "document_analyzer",
		`{"document_id":"doc-3","analysis_type":"vibes"}`, SourceMap{})
	require.Error(t, err)
}

func TestSaveToMemoryStoresDocument(t *testing.T) {
	reg, store := newTestRegistry(t, GraphModeLocal, &fakeRetriever{})
	ac := testAuth()

	res, err := reg.Dispatch(context.Background(), ac, "save_to_memory",
		`{"key":"favorite_animal","value":"llama"}`, SourceMap{})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "favorite_animal")

	docs, err := store.ListDocuments(context.Background(), ac, database.ListOptions{
		Filters: map[string]interface{}{"memory_key": "favorite_animal"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "llama", docs[0].SystemMetadata.Content)
}

func TestListDocumentsRendersVisibleDocs(t *testing.T) {
	reg, store := newTestRegistry(t, GraphModeLocal, &fakeRetriever{})
	ac := testAuth()

	require.NoError(t, store.StoreDocument(context.Background(), ac, &models.Document{
		ExternalID:  "doc-list-1",
		ContentType: "text/plain",
		Filename:    strPtr("a.txt"),
		SystemMetadata: models.SystemMetadata{
			Status: models.StatusCompleted,
		},
	}))

	res, err := reg.Dispatch(context.Background(), ac, "list_documents", "{}", SourceMap{})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "doc-list-1")
	assert.Contains(t, res.Text, "a.txt")
}
