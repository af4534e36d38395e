package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/models"
)

// RetrieveChunksParams is the retrieval collaborator's request shape.
type RetrieveChunksParams struct {
	Query      string
	K          int
	Filters    map[string]interface{}
	MinScore   float64
	FolderName *string
	EndUserID  *string
	UseColpali bool
}

// Retriever is the ingestion/retrieval collaborator: semantic chunk search
// and document analysis run outside the core.
type Retriever interface {
	RetrieveChunks(ctx context.Context, ac *auth.AuthContext, params RetrieveChunksParams) ([]models.ChunkResult, error)
	AnalyzeDocument(ctx context.Context, ac *auth.AuthContext, documentID, analysisType string) (string, error)
}

type retrieveChunksArgs struct {
	Query      string                 `json:"query" jsonschema:"description=Search query to run against the knowledge base"`
	K          int                    `json:"k,omitempty" jsonschema:"description=Number of chunks to return,default=5"`
	Filters    map[string]interface{} `json:"filters,omitempty" jsonschema:"description=Metadata filters to restrict the search"`
	MinScore   float64                `json:"min_score,omitempty" jsonschema:"description=Minimum relevance score"`
	FolderName *string                `json:"folder_name,omitempty" jsonschema:"description=Restrict the search to one folder"`
	EndUserID  *string                `json:"end_user_id,omitempty" jsonschema:"description=Restrict the search to one end user's documents"`
	UseColpali *bool                  `json:"use_colpali,omitempty" jsonschema:"description=Use multi-modal retrieval"`
}

// ChunkSourceID renders the source id under which a retrieved chunk is
// recorded. The format is part of the client contract: display objects
// reference these ids.
func ChunkSourceID(documentID string, chunkNumber int) string {
	return fmt.Sprintf("%s-chunk%d", documentID, chunkNumber)
}

func retrieveChunksTool(retriever Retriever) Tool {
	return Tool{
		Name:        "retrieve_chunks",
		Description: "Search the knowledge base and return the most relevant text and image chunks.",
		Schema:      schemaFor(&retrieveChunksArgs{}),
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			var args retrieveChunksArgs
			if err := decodeArgs(inv.Args, &args); err != nil {
				return Result{}, err
			}
			if args.Query == "" {
				return Result{}, fmt.Errorf("query is required")
			}
			if args.K <= 0 {
				args.K = 5
			}

			chunks, err := retriever.RetrieveChunks(ctx, inv.Auth, RetrieveChunksParams{
				Query:      args.Query,
				K:          args.K,
				Filters:    args.Filters,
				MinScore:   args.MinScore,
				FolderName: args.FolderName,
				EndUserID:  args.EndUserID,
				UseColpali: args.UseColpali != nil && *args.UseColpali,
			})
			if err != nil {
				return Result{}, err
			}
			if len(chunks) == 0 {
				return TextResult("No relevant information found for this query."), nil
			}

			parts := make([]models.ContentPart, 0, len(chunks))
			for _, chunk := range chunks {
				sourceID := ChunkSourceID(chunk.DocumentID, chunk.ChunkNumber)
				name := chunk.DocumentID
				if chunk.Filename != nil {
					name = *chunk.Filename
				}
				n := chunk.ChunkNumber
				inv.SourceMap[sourceID] = models.SourceInfo{
					DocumentID:   chunk.DocumentID,
					DocumentName: name,
					ChunkNumber:  &n,
					Content:      chunk.Content,
				}

				if strings.HasPrefix(chunk.ContentType, "image") {
					url := chunk.Content
					if chunk.DownloadURL != nil {
						url = *chunk.DownloadURL
					}
					parts = append(parts, models.ContentPart{Type: "image_url", ImageURL: url})
					continue
				}
				parts = append(parts, models.ContentPart{
					Type: "text",
					Text: fmt.Sprintf("[Source: %s]\n%s", sourceID, chunk.Content),
				})
			}
			return PartsResult(parts), nil
		},
	}
}

type retrieveDocumentArgs struct {
	DocumentID string `json:"document_id" jsonschema:"description=Id of the document to fetch"`
	Mode       string `json:"mode,omitempty" jsonschema:"description=What to return,enum=content,enum=metadata,default=content"`
}

func retrieveDocumentTool(store database.Store) Tool {
	return Tool{
		Name:        "retrieve_document",
		Description: "Fetch a document's full content or its metadata by id.",
		Schema:      schemaFor(&retrieveDocumentArgs{}),
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			var args retrieveDocumentArgs
			if err := decodeArgs(inv.Args, &args); err != nil {
				return Result{}, err
			}
			if args.DocumentID == "" {
				return Result{}, fmt.Errorf("document_id is required")
			}
			if args.Mode == "" {
				args.Mode = "content"
			}

			doc, err := store.GetDocument(ctx, inv.Auth, args.DocumentID)
			if err != nil {
				return Result{}, err
			}

			switch args.Mode {
			case "content":
				inv.SourceMap[doc.ExternalID] = models.SourceInfo{
					DocumentID:   doc.ExternalID,
					DocumentName: documentName(doc),
					Content:      doc.SystemMetadata.Content,
				}
				return TextResult(doc.SystemMetadata.Content), nil
			case "metadata":
				raw, err := json.MarshalIndent(doc.Metadata, "", "  ")
				if err != nil {
					return Result{}, fmt.Errorf("render metadata: %w", err)
				}
				return TextResult(string(raw)), nil
			default:
				return Result{}, fmt.Errorf("unknown mode %q", args.Mode)
			}
		},
	}
}

var analysisTypes = map[string]bool{
	"entities":  true,
	"facts":     true,
	"summary":   true,
	"sentiment": true,
	"full":      true,
}

type documentAnalyzerArgs struct {
	DocumentID   string `json:"document_id" jsonschema:"description=Id of the document to analyze"`
	AnalysisType string `json:"analysis_type,omitempty" jsonschema:"description=Kind of analysis to run,enum=entities,enum=facts,enum=summary,enum=sentiment,enum=full,default=full"`
}

func documentAnalyzerTool(store database.Store, retriever Retriever) Tool {
	return Tool{
		Name:        "document_analyzer",
		Description: "Run an analysis (entities, facts, summary, sentiment or full) over one document.",
		Schema:      schemaFor(&documentAnalyzerArgs{}),
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			var args documentAnalyzerArgs
			if err := decodeArgs(inv.Args, &args); err != nil {
				return Result{}, err
			}
			if args.DocumentID == "" {
				return Result{}, fmt.Errorf("document_id is required")
			}
			if args.AnalysisType == "" {
				args.AnalysisType = "full"
			}
			if !analysisTypes[args.AnalysisType] {
				return Result{}, fmt.Errorf("unknown analysis type %q", args.AnalysisType)
			}

			// Access check first: the collaborator trusts the core's
			// authorization decision.
			doc, err := store.GetDocument(ctx, inv.Auth, args.DocumentID)
			if err != nil {
				return Result{}, err
			}

			analysis, err := retriever.AnalyzeDocument(ctx, inv.Auth, doc.ExternalID, args.AnalysisType)
			if err != nil {
				return Result{}, err
			}

			sourceID := doc.ExternalID + "-analysis"
			inv.SourceMap[sourceID] = models.SourceInfo{
				DocumentID:   doc.ExternalID,
				DocumentName: documentName(doc),
				AnalysisType: args.AnalysisType,
				Content:      analysis,
			}
			return TextResult(analysis), nil
		},
	}
}

func documentName(doc *models.Document) string {
	if doc.Filename != nil && *doc.Filename != "" {
		return *doc.Filename
	}
	return doc.ExternalID
}
