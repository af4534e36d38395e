package database

import (
	"context"
	"time"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/models"
)

// DocumentUpdate describes a partial document update. Nil fields are left
// untouched; Metadata and SystemMetadata merge key-by-key into the stored
// maps, ChunkIDs replaces the stored list when non-nil.
type DocumentUpdate struct {
	Metadata       map[string]interface{}
	SystemMetadata map[string]interface{}
	ChunkIDs       []string
	Filename       *string
}

// ListOptions bounds and filters a list operation.
type ListOptions struct {
	Skip          int
	Limit         int
	Filters       map[string]interface{}
	SystemFilters map[string]interface{}
}

// AppDeleteSummary reports what a cloud app cascade delete removed.
type AppDeleteSummary struct {
	AppID                string `json:"app_id"`
	DocumentsDeleted     int    `json:"documents_deleted"`
	FoldersDeleted       int    `json:"folders_deleted"`
	ConversationsDeleted int    `json:"conversations_deleted"`
	ModelConfigsDeleted  int    `json:"model_configs_deleted"`
}

// Store is the metadata store. Every entity operation takes the caller's
// AuthContext and composes the access predicate with any user/system
// filters. A denied row and a missing row both surface as ErrNotFound.
//
// Implementations must be safe for concurrent use; the connection pool (or
// the in-memory mutex) is process-wide.
type Store interface {
	// Documents
	StoreDocument(ctx context.Context, ac *auth.AuthContext, doc *models.Document) error
	GetDocument(ctx context.Context, ac *auth.AuthContext, id string) (*models.Document, error)
	GetDocumentsByIDs(ctx context.Context, ac *auth.AuthContext, ids []string, systemFilters map[string]interface{}) ([]*models.Document, error)
	ListDocuments(ctx context.Context, ac *auth.AuthContext, opts ListOptions) ([]*models.Document, error)
	UpdateDocument(ctx context.Context, ac *auth.AuthContext, id string, upd DocumentUpdate) (*models.Document, error)
	// DeleteDocument removes the row and strips the id from every folder
	// referencing it.
	DeleteDocument(ctx context.Context, ac *auth.AuthContext, id string) error
	CheckDocumentAccess(ctx context.Context, ac *auth.AuthContext, id string, perm models.Permission) (bool, error)

	// Folders
	CreateFolder(ctx context.Context, ac *auth.AuthContext, f *models.Folder) (*models.Folder, error)
	GetFolder(ctx context.Context, ac *auth.AuthContext, id string) (*models.Folder, error)
	GetFolderByName(ctx context.Context, ac *auth.AuthContext, name string) (*models.Folder, error)
	ListFolders(ctx context.Context, ac *auth.AuthContext) ([]*models.Folder, error)
	AddDocumentToFolder(ctx context.Context, ac *auth.AuthContext, folderID, documentID string) error
	RemoveDocumentFromFolder(ctx context.Context, ac *auth.AuthContext, folderID, documentID string) error
	// DeleteFolder requires admin permission and an empty folder.
	DeleteFolder(ctx context.Context, ac *auth.AuthContext, id string) error
	AssociateWorkflow(ctx context.Context, ac *auth.AuthContext, folderID, workflowID string) error
	DisassociateWorkflow(ctx context.Context, ac *auth.AuthContext, folderID, workflowID string) error

	// Graphs
	StoreGraph(ctx context.Context, ac *auth.AuthContext, g *models.Graph) error
	GetGraph(ctx context.Context, ac *auth.AuthContext, name string) (*models.Graph, error)
	ListGraphs(ctx context.Context, ac *auth.AuthContext) ([]*models.Graph, error)
	UpdateGraph(ctx context.Context, ac *auth.AuthContext, g *models.Graph) error
	DeleteGraph(ctx context.Context, ac *auth.AuthContext, name string) error

	// Chat history. user_id/app_id act as defence-in-depth: a stored value
	// that fails to match the caller hides the conversation entirely.
	UpsertChatHistory(ctx context.Context, conversationID string, userID, appID *string, history []models.ChatMessage) error
	GetChatHistory(ctx context.Context, conversationID string, userID, appID *string) ([]models.ChatMessage, error)
	ListChatConversations(ctx context.Context, userID, appID *string, limit int) ([]models.ConversationSummary, error)
	UpdateChatTitle(ctx context.Context, conversationID string, userID, appID *string, title string) error

	// Workflows
	CreateWorkflow(ctx context.Context, ac *auth.AuthContext, w *models.Workflow) (*models.Workflow, error)
	GetWorkflow(ctx context.Context, ac *auth.AuthContext, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, ac *auth.AuthContext) ([]*models.Workflow, error)
	DeleteWorkflow(ctx context.Context, ac *auth.AuthContext, id string) error
	StoreWorkflowRun(ctx context.Context, ac *auth.AuthContext, run *models.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, ac *auth.AuthContext, id string) (*models.WorkflowRun, error)

	// Model configs are owner-scoped by (user_id, app_id); no ACL sharing.
	CreateModelConfig(ctx context.Context, ac *auth.AuthContext, mc *models.ModelConfig) (*models.ModelConfig, error)
	GetModelConfig(ctx context.Context, ac *auth.AuthContext, id string) (*models.ModelConfig, error)
	ListModelConfigs(ctx context.Context, ac *auth.AuthContext) ([]*models.ModelConfig, error)
	UpdateModelConfig(ctx context.Context, ac *auth.AuthContext, id string, configData map[string]interface{}) (*models.ModelConfig, error)
	DeleteModelConfig(ctx context.Context, ac *auth.AuthContext, id string) error

	// Usage accounting
	RecordUsage(ctx context.Context, log *models.UsageLog) error
	RecentUsage(ctx context.Context, userID string, appID *string, opType *string, since *time.Time, limit int) ([]*models.UsageLog, error)
	UsageStats(ctx context.Context, userID string) (map[string]int64, error)

	// DeleteAppData cascade-deletes everything scoped to (developer, app):
	// documents first (cleaning folder references), then folders,
	// conversations and model configs.
	DeleteAppData(ctx context.Context, developerID, appID string) (*AppDeleteSummary, error)

	Close() error
}
