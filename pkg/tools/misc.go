package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/models"
)

// CodeExecutor runs model-written code in a sandbox. The core ships no
// sandbox of its own; deployments plug one in.
type CodeExecutor interface {
	Execute(ctx context.Context, code string) (string, error)
}

type executeCodeArgs struct {
	Code string `json:"code" jsonschema:"description=Code to run in the sandbox"`
}

func executeCodeTool(executor CodeExecutor) Tool {
	return Tool{
		Name:        "execute_code",
		Description: "Run code in a sandbox and return its output.",
		Schema:      schemaFor(&executeCodeArgs{}),
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			var args executeCodeArgs
			if err := decodeArgs(inv.Args, &args); err != nil {
				return Result{}, err
			}
			if args.Code == "" {
				return Result{}, fmt.Errorf("code is required")
			}
			output, err := executor.Execute(ctx, args.Code)
			if err != nil {
				return Result{}, err
			}
			return TextResult(output), nil
		},
	}
}

type listDocumentsArgs struct {
	Filters map[string]interface{} `json:"filters,omitempty" jsonschema:"description=Metadata filters to restrict the listing"`
	Limit   int                    `json:"limit,omitempty" jsonschema:"description=Maximum number of documents to list,default=100"`
}

func listDocumentsTool(store database.Store) Tool {
	return Tool{
		Name:        "list_documents",
		Description: "List the documents visible to the caller, optionally filtered by metadata.",
		Schema:      schemaFor(&listDocumentsArgs{}),
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			var args listDocumentsArgs
			if err := decodeArgs(inv.Args, &args); err != nil {
				return Result{}, err
			}
			if args.Limit <= 0 {
				args.Limit = 100
			}

			docs, err := store.ListDocuments(ctx, inv.Auth, database.ListOptions{
				Limit:   args.Limit,
				Filters: args.Filters,
			})
			if err != nil {
				return Result{}, err
			}
			if len(docs) == 0 {
				return TextResult("No documents found."), nil
			}

			var b strings.Builder
			for _, doc := range docs {
				fmt.Fprintf(&b, "- %s: %s (%s)\n", doc.ExternalID, documentName(doc), doc.SystemMetadata.Status)
			}
			return TextResult(b.String()), nil
		},
	}
}

type saveToMemoryArgs struct {
	Key   string `json:"key" jsonschema:"description=Name to store the memory under"`
	Value string `json:"value" jsonschema:"description=Content to remember"`
}

func saveToMemoryTool(store database.Store) Tool {
	return Tool{
		Name:        "save_to_memory",
		Description: "Persist a piece of information so later conversations can retrieve it.",
		Schema:      schemaFor(&saveToMemoryArgs{}),
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			var args saveToMemoryArgs
			if err := decodeArgs(inv.Args, &args); err != nil {
				return Result{}, err
			}
			if args.Key == "" || args.Value == "" {
				return Result{}, fmt.Errorf("key and value are required")
			}

			filename := "memory-" + args.Key
			doc := &models.Document{
				ContentType: "text/plain",
				Filename:    &filename,
				Metadata: map[string]interface{}{
					"memory_key": args.Key,
					"is_memory":  true,
				},
				SystemMetadata: models.SystemMetadata{
					Content: args.Value,
					Status:  models.StatusCompleted,
				},
			}
			if err := store.StoreDocument(ctx, inv.Auth, doc); err != nil {
				return Result{}, err
			}
			return TextResult(fmt.Sprintf("Saved %q to memory.", args.Key)), nil
		},
	}
}
