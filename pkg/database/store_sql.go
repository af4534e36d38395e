package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/models"

	// SQL drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on a SQL database. Entities are stored as JSON
// documents alongside the scalar columns needed for scoping; the SQL WHERE
// clause narrows rows to a superset of the visible set (exact for
// app-scoped tokens) and the shared access predicate is re-applied to each
// scanned row, so both backends enforce identical semantics.
// Concurrency is handled by database-level locking (transactions).
type SQLStore struct {
	db      *sql.DB
	dialect string
	policy  AccessPolicy
}

const createDocumentsSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
    external_id VARCHAR(255) PRIMARY KEY,
    owner_id VARCHAR(255) NOT NULL,
    owner_type VARCHAR(50) NOT NULL,
    app_id VARCHAR(255),
    folder_name VARCHAR(255),
    end_user_id VARCHAR(255),
    status VARCHAR(50),
    acl_json TEXT NOT NULL,
    doc_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createDocumentsOwnerIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id)`

const createDocumentsAppIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_documents_app ON documents(app_id)`

const createFoldersSchemaSQL = `
CREATE TABLE IF NOT EXISTS folders (
    id VARCHAR(255) PRIMARY KEY,
    owner_id VARCHAR(255) NOT NULL,
    app_id VARCHAR(255),
    name VARCHAR(255) NOT NULL,
    acl_json TEXT NOT NULL,
    folder_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createFoldersNameIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_folders_owner_name
ON folders(owner_id, name, COALESCE(app_id, ''))`

const createGraphsSchemaSQL = `
CREATE TABLE IF NOT EXISTS graphs (
    id VARCHAR(255) PRIMARY KEY,
    owner_id VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    app_id VARCHAR(255),
    acl_json TEXT NOT NULL,
    graph_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createGraphsNameIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_graphs_owner_name ON graphs(owner_id, name)`

const createConversationsSchemaSQL = `
CREATE TABLE IF NOT EXISTS chat_conversations (
    conversation_id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255),
    app_id VARCHAR(255),
    title TEXT,
    history_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createConversationsUserIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_conversations_user ON chat_conversations(user_id, updated_at)`

const createWorkflowsSchemaSQL = `
CREATE TABLE IF NOT EXISTS workflows (
    id VARCHAR(255) PRIMARY KEY,
    owner_id VARCHAR(255) NOT NULL,
    app_id VARCHAR(255),
    acl_json TEXT NOT NULL,
    workflow_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createWorkflowRunsSchemaSQL = `
CREATE TABLE IF NOT EXISTS workflow_runs (
    id VARCHAR(255) PRIMARY KEY,
    workflow_id VARCHAR(255) NOT NULL,
    owner_id VARCHAR(255) NOT NULL,
    run_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

const createModelConfigsSchemaSQL = `
CREATE TABLE IF NOT EXISTS model_configs (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    app_id VARCHAR(255),
    config_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createUsageLogsSchemaSQL = `
CREATE TABLE IF NOT EXISTS usage_logs (
    id VARCHAR(255) PRIMARY KEY,
    ts TIMESTAMP NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    app_id VARCHAR(255),
    operation_type VARCHAR(100) NOT NULL,
    status VARCHAR(50) NOT NULL,
    duration_ms BIGINT NOT NULL,
    tokens_used INTEGER NOT NULL,
    metadata_json TEXT,
    error_message TEXT
)`

const createUsageLogsUserIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_usage_logs_user ON usage_logs(user_id, ts)`

// NewSQLStore creates a SQL-backed store and initializes the schema.
func NewSQLStore(db *sql.DB, dialect string, policy AccessPolicy) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect, policy: policy}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility
	statements := []string{
		createDocumentsSchemaSQL,
		createDocumentsOwnerIndexSQL,
		createDocumentsAppIndexSQL,
		createFoldersSchemaSQL,
		createFoldersNameIndexSQL,
		createGraphsSchemaSQL,
		createGraphsNameIndexSQL,
		createConversationsSchemaSQL,
		createConversationsUserIndexSQL,
		createWorkflowsSchemaSQL,
		createWorkflowRunsSchemaSQL,
		createModelConfigsSchemaSQL,
		createUsageLogsSchemaSQL,
		createUsageLogsUserIndexSQL,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders for the postgres dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", paramNum)
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// scopeClause narrows a query to a superset of the rows visible to the
// caller. App-scoped tokens get the exact strict predicate; otherwise the
// clause admits owned rows plus any row whose ACL JSON mentions the
// principal (or the caller's end-user id). The exact predicate is
// re-applied to every scanned row.
func (s *SQLStore) scopeClause(ac *auth.AuthContext, principal string, args *[]any) string {
	if ac.IsAppScoped() {
		*args = append(*args, ac.AppID)
		return "app_id = ?"
	}
	clause := "(owner_id = ? OR acl_json LIKE ?"
	*args = append(*args, ac.EntityID, `%"`+principal+`"%`)
	if s.policy.CloudMode && ac.UserID != "" {
		clause += " OR acl_json LIKE ?"
		*args = append(*args, `%"`+ac.UserID+`"%`)
	}
	return clause + ")"
}

func nullable(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal row json: %w", err)
	}
	return string(b), nil
}

// =============================================================================
// Documents
// =============================================================================

func (s *SQLStore) StoreDocument(ctx context.Context, ac *auth.AuthContext, doc *models.Document) error {
	now := time.Now()
	if doc.ExternalID == "" {
		doc.ExternalID = uuid.NewString()
	}
	if doc.Owner.ID == "" {
		doc.Owner = models.Owner{Type: ac.EntityType, ID: ac.EntityID}
	}
	doc.SystemMetadata.CreatedAt = now
	doc.SystemMetadata.UpdatedAt = now
	if ac.IsAppScoped() {
		appID := ac.AppID
		doc.SystemMetadata.AppID = &appID
	}

	return s.insertDocument(ctx, s.db, doc)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) insertDocument(ctx context.Context, ex execer, doc *models.Document) error {
	docJSON, err := marshalJSON(doc)
	if err != nil {
		return err
	}
	aclJSON, err := marshalJSON(doc.AccessControl)
	if err != nil {
		return err
	}

	query := s.rebind(`INSERT INTO documents
        (external_id, owner_id, owner_type, app_id, folder_name, end_user_id, status, acl_json, doc_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = ex.ExecContext(ctx, query,
		doc.ExternalID, doc.Owner.ID, string(doc.Owner.Type),
		nullable(doc.SystemMetadata.AppID), nullable(doc.SystemMetadata.FolderName),
		nullable(doc.SystemMetadata.EndUserID), string(doc.SystemMetadata.Status),
		aclJSON, docJSON,
		doc.SystemMetadata.CreatedAt, doc.SystemMetadata.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

func (s *SQLStore) GetDocument(ctx context.Context, ac *auth.AuthContext, id string) (*models.Document, error) {
	query := s.rebind(`SELECT doc_json FROM documents WHERE external_id = ?`)

	var docJSON string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	var doc models.Document
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	if !s.policy.DocumentAllowed(ac, models.PermissionRead, &doc) {
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (s *SQLStore) queryDocuments(ctx context.Context, ac *auth.AuthContext, extraWhere string, extraArgs ...any) ([]*models.Document, error) {
	var args []any
	where := s.scopeClause(ac, ac.EntityID, &args)
	if extraWhere != "" {
		where += " AND " + extraWhere
		args = append(args, extraArgs...)
	}

	query := s.rebind(`SELECT doc_json FROM documents WHERE ` + where + ` ORDER BY updated_at DESC`)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var out []*models.Document
	for rows.Next() {
		var docJSON string
		if err := rows.Scan(&docJSON); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		var doc models.Document
		if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document: %w", err)
		}
		if s.policy.DocumentAllowed(ac, models.PermissionRead, &doc) {
			out = append(out, &doc)
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) GetDocumentsByIDs(ctx context.Context, ac *auth.AuthContext, ids []string, systemFilters map[string]interface{}) ([]*models.Document, error) {
	if len(ids) == 0 {
		return []*models.Document{}, nil
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	idArgs := make([]any, len(ids))
	for i, id := range ids {
		idArgs[i] = id
	}

	docs, err := s.queryDocuments(ctx, ac, "external_id IN ("+placeholders+")", idArgs...)
	if err != nil {
		return nil, err
	}

	if len(systemFilters) == 0 {
		return docs, nil
	}
	out := docs[:0]
	for _, doc := range docs {
		if MatchesSystemMetadata(doc.SystemMetadata, systemFilters) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *SQLStore) ListDocuments(ctx context.Context, ac *auth.AuthContext, opts ListOptions) ([]*models.Document, error) {
	docs, err := s.queryDocuments(ctx, ac, "")
	if err != nil {
		return nil, err
	}

	matched := docs[:0]
	for _, doc := range docs {
		if len(opts.Filters) > 0 && !MatchesMetadata(doc.Metadata, opts.Filters) {
			continue
		}
		if len(opts.SystemFilters) > 0 && !MatchesSystemMetadata(doc.SystemMetadata, opts.SystemFilters) {
			continue
		}
		matched = append(matched, doc)
	}

	if opts.Skip >= len(matched) {
		return []*models.Document{}, nil
	}
	matched = matched[opts.Skip:]
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

func (s *SQLStore) UpdateDocument(ctx context.Context, ac *auth.AuthContext, id string, upd DocumentUpdate) (*models.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	doc, err := s.getDocumentTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !s.policy.DocumentAllowed(ac, models.PermissionWrite, doc) {
		return nil, ErrNotFound
	}

	applyDocumentUpdate(doc, upd)
	if err := s.updateDocumentTx(ctx, tx, doc); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return doc, nil
}

func (s *SQLStore) getDocumentTx(ctx context.Context, tx *sql.Tx, id string) (*models.Document, error) {
	query := s.rebind(`SELECT doc_json FROM documents WHERE external_id = ?`)
	var docJSON string
	err := tx.QueryRowContext(ctx, query, id).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	var doc models.Document
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, nil
}

func (s *SQLStore) updateDocumentTx(ctx context.Context, tx *sql.Tx, doc *models.Document) error {
	docJSON, err := marshalJSON(doc)
	if err != nil {
		return err
	}
	aclJSON, err := marshalJSON(doc.AccessControl)
	if err != nil {
		return err
	}

	query := s.rebind(`UPDATE documents SET
        folder_name = ?, end_user_id = ?, status = ?, acl_json = ?, doc_json = ?, updated_at = ?
        WHERE external_id = ?`)
	_, err = tx.ExecContext(ctx, query,
		nullable(doc.SystemMetadata.FolderName), nullable(doc.SystemMetadata.EndUserID),
		string(doc.SystemMetadata.Status), aclJSON, docJSON,
		doc.SystemMetadata.UpdatedAt, doc.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteDocument(ctx context.Context, ac *auth.AuthContext, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	doc, err := s.getDocumentTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if !s.policy.DocumentAllowed(ac, models.PermissionWrite, doc) {
		return ErrNotFound
	}

	delQuery := s.rebind(`DELETE FROM documents WHERE external_id = ?`)
	if _, err := tx.ExecContext(ctx, delQuery, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	if err := s.removeDocumentFromFoldersTx(ctx, tx, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// removeDocumentFromFoldersTx strips a document id from every folder
// referencing it. The LIKE prefilter is a superset; membership is checked
// on the decoded folder.
func (s *SQLStore) removeDocumentFromFoldersTx(ctx context.Context, tx *sql.Tx, documentID string) error {
	query := s.rebind(`SELECT id, folder_json FROM folders WHERE folder_json LIKE ?`)
	rows, err := tx.QueryContext(ctx, query, `%"`+documentID+`"%`)
	if err != nil {
		return fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	type folderRef struct {
		id     string
		folder models.Folder
	}
	var refs []folderRef
	for rows.Next() {
		var ref folderRef
		var folderJSON string
		if err := rows.Scan(&ref.id, &folderJSON); err != nil {
			return fmt.Errorf("failed to scan folder: %w", err)
		}
		if err := json.Unmarshal([]byte(folderJSON), &ref.folder); err != nil {
			return fmt.Errorf("failed to unmarshal folder: %w", err)
		}
		if contains(ref.folder.DocumentIDs, documentID) {
			refs = append(refs, ref)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ref := range refs {
		ref.folder.DocumentIDs = removeString(ref.folder.DocumentIDs, documentID)
		if err := s.updateFolderTx(ctx, tx, &ref.folder); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) CheckDocumentAccess(ctx context.Context, ac *auth.AuthContext, id string, perm models.Permission) (bool, error) {
	query := s.rebind(`SELECT doc_json FROM documents WHERE external_id = ?`)
	var docJSON string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to get document: %w", err)
	}
	var doc models.Document
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return false, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return s.policy.DocumentAllowed(ac, perm, &doc), nil
}

// =============================================================================
// Folders
// =============================================================================

func (s *SQLStore) CreateFolder(ctx context.Context, ac *auth.AuthContext, f *models.Folder) (*models.Folder, error) {
	stored := cloneJSON(f)
	if stored.Owner.ID == "" {
		stored.Owner = models.Owner{Type: ac.EntityType, ID: ac.EntityID}
	}
	now := time.Now()
	stored.SystemMetadata.CreatedAt = now
	stored.SystemMetadata.UpdatedAt = now
	if ac.IsAppScoped() {
		appID := ac.AppID
		stored.SystemMetadata.AppID = &appID
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	// (owner.id, name, app_id) is unique; the unique index backs this up,
	// but checking first yields a clean error instead of a driver error.
	checkQuery := s.rebind(`SELECT COUNT(*) FROM folders WHERE owner_id = ? AND name = ? AND COALESCE(app_id, '') = ?`)
	appKey := ""
	if stored.SystemMetadata.AppID != nil {
		appKey = *stored.SystemMetadata.AppID
	}
	var count int
	if err := tx.QueryRowContext(ctx, checkQuery, stored.Owner.ID, stored.Name, appKey).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to check folder uniqueness: %w", err)
	}
	if count > 0 {
		return nil, ErrAlreadyExists
	}

	folderJSON, err := marshalJSON(stored)
	if err != nil {
		return nil, err
	}
	aclJSON, err := marshalJSON(qualifiedACL(stored.AccessControl))
	if err != nil {
		return nil, err
	}

	insertQuery := s.rebind(`INSERT INTO folders
        (id, owner_id, app_id, name, acl_json, folder_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, insertQuery,
		stored.ID, stored.Owner.ID, nullable(stored.SystemMetadata.AppID), stored.Name,
		aclJSON, folderJSON, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create folder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored, nil
}

// qualifiedACL passes a folder ACL through unchanged; folder ACL lists
// already hold qualified principals. Kept as a seam so the LIKE prefilter
// and the stored form stay in one place.
func qualifiedACL(ctrl models.AccessControl) models.AccessControl {
	return ctrl
}

func (s *SQLStore) getFolderRow(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, where string, args ...any) (*models.Folder, error) {
	query := s.rebind(`SELECT folder_json FROM folders WHERE ` + where)
	var folderJSON string
	err := q.QueryRowContext(ctx, query, args...).Scan(&folderJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	var f models.Folder
	if err := json.Unmarshal([]byte(folderJSON), &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal folder: %w", err)
	}
	return &f, nil
}

func (s *SQLStore) GetFolder(ctx context.Context, ac *auth.AuthContext, id string) (*models.Folder, error) {
	f, err := s.getFolderRow(ctx, s.db, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if !s.policy.FolderAllowed(ac, models.PermissionRead, f) {
		return nil, ErrNotFound
	}
	return f, nil
}

func (s *SQLStore) GetFolderByName(ctx context.Context, ac *auth.AuthContext, name string) (*models.Folder, error) {
	var args []any
	where := s.scopeClause(ac, ac.Qualify(), &args)
	args = append(args, name)

	query := s.rebind(`SELECT folder_json FROM folders WHERE ` + where + ` AND name = ?`)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var folderJSON string
		if err := rows.Scan(&folderJSON); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		var f models.Folder
		if err := json.Unmarshal([]byte(folderJSON), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal folder: %w", err)
		}
		if s.policy.FolderAllowed(ac, models.PermissionRead, &f) {
			return &f, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

func (s *SQLStore) ListFolders(ctx context.Context, ac *auth.AuthContext) ([]*models.Folder, error) {
	var args []any
	where := s.scopeClause(ac, ac.Qualify(), &args)

	query := s.rebind(`SELECT folder_json FROM folders WHERE ` + where + ` ORDER BY name ASC`)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var out []*models.Folder
	for rows.Next() {
		var folderJSON string
		if err := rows.Scan(&folderJSON); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		var f models.Folder
		if err := json.Unmarshal([]byte(folderJSON), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal folder: %w", err)
		}
		if s.policy.FolderAllowed(ac, models.PermissionRead, &f) {
			out = append(out, &f)
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) updateFolderTx(ctx context.Context, tx *sql.Tx, f *models.Folder) error {
	f.SystemMetadata.UpdatedAt = time.Now()
	folderJSON, err := marshalJSON(f)
	if err != nil {
		return err
	}
	aclJSON, err := marshalJSON(qualifiedACL(f.AccessControl))
	if err != nil {
		return err
	}

	query := s.rebind(`UPDATE folders SET name = ?, acl_json = ?, folder_json = ?, updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, query, f.Name, aclJSON, folderJSON, f.SystemMetadata.UpdatedAt, f.ID); err != nil {
		return fmt.Errorf("failed to update folder: %w", err)
	}
	return nil
}

// mutateFolder loads a folder inside a transaction, checks permission,
// applies fn and writes the folder back.
func (s *SQLStore) mutateFolder(ctx context.Context, ac *auth.AuthContext, folderID string, perm models.Permission, fn func(tx *sql.Tx, f *models.Folder) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	f, err := s.getFolderRow(ctx, tx, "id = ?", folderID)
	if err != nil {
		return err
	}
	if !s.policy.FolderAllowed(ac, perm, f) {
		return ErrNotFound
	}

	if err := fn(tx, f); err != nil {
		return err
	}
	if err := s.updateFolderTx(ctx, tx, f); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) AddDocumentToFolder(ctx context.Context, ac *auth.AuthContext, folderID, documentID string) error {
	return s.mutateFolder(ctx, ac, folderID, models.PermissionWrite, func(tx *sql.Tx, f *models.Folder) error {
		doc, err := s.getDocumentTx(ctx, tx, documentID)
		if err != nil {
			return err
		}
		if !s.policy.DocumentAllowed(ac, models.PermissionWrite, doc) {
			return ErrNotFound
		}

		if !contains(f.DocumentIDs, documentID) {
			f.DocumentIDs = append(f.DocumentIDs, documentID)
		}
		name := f.Name
		doc.SystemMetadata.FolderName = &name
		return s.updateDocumentTx(ctx, tx, doc)
	})
}

func (s *SQLStore) RemoveDocumentFromFolder(ctx context.Context, ac *auth.AuthContext, folderID, documentID string) error {
	return s.mutateFolder(ctx, ac, folderID, models.PermissionWrite, func(tx *sql.Tx, f *models.Folder) error {
		f.DocumentIDs = removeString(f.DocumentIDs, documentID)
		doc, err := s.getDocumentTx(ctx, tx, documentID)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		doc.SystemMetadata.FolderName = nil
		return s.updateDocumentTx(ctx, tx, doc)
	})
}

func (s *SQLStore) DeleteFolder(ctx context.Context, ac *auth.AuthContext, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	f, err := s.getFolderRow(ctx, tx, "id = ?", id)
	if err != nil {
		return err
	}
	if !s.policy.FolderAllowed(ac, models.PermissionAdmin, f) {
		return ErrNotFound
	}
	if len(f.DocumentIDs) > 0 {
		return ErrFolderNotEmpty
	}

	query := s.rebind(`DELETE FROM folders WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) AssociateWorkflow(ctx context.Context, ac *auth.AuthContext, folderID, workflowID string) error {
	return s.mutateFolder(ctx, ac, folderID, models.PermissionWrite, func(tx *sql.Tx, f *models.Folder) error {
		if !contains(f.WorkflowIDs, workflowID) {
			f.WorkflowIDs = append(f.WorkflowIDs, workflowID)
		}
		return nil
	})
}

func (s *SQLStore) DisassociateWorkflow(ctx context.Context, ac *auth.AuthContext, folderID, workflowID string) error {
	return s.mutateFolder(ctx, ac, folderID, models.PermissionWrite, func(tx *sql.Tx, f *models.Folder) error {
		f.WorkflowIDs = removeString(f.WorkflowIDs, workflowID)
		return nil
	})
}

// =============================================================================
// Graphs
// =============================================================================

func (s *SQLStore) StoreGraph(ctx context.Context, ac *auth.AuthContext, g *models.Graph) error {
	if g.Owner.ID == "" {
		g.Owner = models.Owner{Type: ac.EntityType, ID: ac.EntityID}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now
	g.SystemMetadata.CreatedAt = now
	g.SystemMetadata.UpdatedAt = now
	if ac.IsAppScoped() {
		appID := ac.AppID
		g.SystemMetadata.AppID = &appID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	checkQuery := s.rebind(`SELECT COUNT(*) FROM graphs WHERE owner_id = ? AND name = ?`)
	var count int
	if err := tx.QueryRowContext(ctx, checkQuery, g.Owner.ID, g.Name).Scan(&count); err != nil {
		return fmt.Errorf("failed to check graph uniqueness: %w", err)
	}
	if count > 0 {
		return ErrAlreadyExists
	}

	graphJSON, err := marshalJSON(g)
	if err != nil {
		return err
	}
	aclJSON, err := marshalJSON(g.AccessControl)
	if err != nil {
		return err
	}

	insertQuery := s.rebind(`INSERT INTO graphs
        (id, owner_id, name, app_id, acl_json, graph_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, insertQuery,
		g.ID, g.Owner.ID, g.Name, nullable(g.SystemMetadata.AppID), aclJSON, graphJSON, now, now)
	if err != nil {
		return fmt.Errorf("failed to store graph: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) GetGraph(ctx context.Context, ac *auth.AuthContext, name string) (*models.Graph, error) {
	var args []any
	where := s.scopeClause(ac, ac.EntityID, &args)
	args = append(args, name)

	query := s.rebind(`SELECT graph_json FROM graphs WHERE ` + where + ` AND name = ?`)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query graphs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var graphJSON string
		if err := rows.Scan(&graphJSON); err != nil {
			return nil, fmt.Errorf("failed to scan graph: %w", err)
		}
		var g models.Graph
		if err := json.Unmarshal([]byte(graphJSON), &g); err != nil {
			return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
		}
		if s.policy.GraphAllowed(ac, models.PermissionRead, &g) {
			return &g, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

func (s *SQLStore) ListGraphs(ctx context.Context, ac *auth.AuthContext) ([]*models.Graph, error) {
	var args []any
	where := s.scopeClause(ac, ac.EntityID, &args)

	query := s.rebind(`SELECT graph_json FROM graphs WHERE ` + where + ` ORDER BY name ASC`)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list graphs: %w", err)
	}
	defer rows.Close()

	var out []*models.Graph
	for rows.Next() {
		var graphJSON string
		if err := rows.Scan(&graphJSON); err != nil {
			return nil, fmt.Errorf("failed to scan graph: %w", err)
		}
		var g models.Graph
		if err := json.Unmarshal([]byte(graphJSON), &g); err != nil {
			return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
		}
		if s.policy.GraphAllowed(ac, models.PermissionRead, &g) {
			out = append(out, &g)
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateGraph(ctx context.Context, ac *auth.AuthContext, g *models.Graph) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	query := s.rebind(`SELECT graph_json FROM graphs WHERE id = ?`)
	var graphJSON string
	err = tx.QueryRowContext(ctx, query, g.ID).Scan(&graphJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get graph: %w", err)
	}
	var existing models.Graph
	if err := json.Unmarshal([]byte(graphJSON), &existing); err != nil {
		return fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	if !s.policy.GraphAllowed(ac, models.PermissionWrite, &existing) {
		return ErrNotFound
	}

	g.Owner = existing.Owner
	g.CreatedAt = existing.CreatedAt
	g.SystemMetadata = existing.SystemMetadata
	g.UpdatedAt = time.Now()
	g.SystemMetadata.UpdatedAt = g.UpdatedAt

	newJSON, err := marshalJSON(g)
	if err != nil {
		return err
	}
	aclJSON, err := marshalJSON(g.AccessControl)
	if err != nil {
		return err
	}

	updateQuery := s.rebind(`UPDATE graphs SET name = ?, acl_json = ?, graph_json = ?, updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, updateQuery, g.Name, aclJSON, newJSON, g.UpdatedAt, g.ID); err != nil {
		return fmt.Errorf("failed to update graph: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteGraph(ctx context.Context, ac *auth.AuthContext, name string) error {
	g, err := s.GetGraph(ctx, ac, name)
	if err != nil {
		return err
	}
	if !s.policy.GraphAllowed(ac, models.PermissionWrite, g) {
		return ErrNotFound
	}

	query := s.rebind(`DELETE FROM graphs WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, g.ID); err != nil {
		return fmt.Errorf("failed to delete graph: %w", err)
	}
	return nil
}

// =============================================================================
// Chat history
// =============================================================================

func (s *SQLStore) UpsertChatHistory(ctx context.Context, conversationID string, userID, appID *string, history []models.ChatMessage) error {
	historyJSON, err := marshalJSON(history)
	if err != nil {
		return err
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	query := s.rebind(`SELECT user_id, app_id FROM chat_conversations WHERE conversation_id = ?`)
	var storedUser, storedApp sql.NullString
	err = tx.QueryRowContext(ctx, query, conversationID).Scan(&storedUser, &storedApp)
	switch {
	case err == sql.ErrNoRows:
		insertQuery := s.rebind(`INSERT INTO chat_conversations
            (conversation_id, user_id, app_id, title, history_json, created_at, updated_at)
            VALUES (?, ?, ?, '', ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, insertQuery, conversationID, nullable(userID), nullable(appID), historyJSON, now, now); err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to get conversation: %w", err)
	default:
		if !scopeMatches(storedUser, userID) || !scopeMatches(storedApp, appID) {
			return ErrNotFound
		}
		updateQuery := s.rebind(`UPDATE chat_conversations SET history_json = ?, updated_at = ? WHERE conversation_id = ?`)
		if _, err := tx.ExecContext(ctx, updateQuery, historyJSON, now, conversationID); err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// scopeMatches is the defence-in-depth check: a stored scope value must be
// matched by the caller; an unscoped row is visible to everyone who can
// name it.
func scopeMatches(stored sql.NullString, caller *string) bool {
	if !stored.Valid {
		return true
	}
	return caller != nil && stored.String == *caller
}

func (s *SQLStore) GetChatHistory(ctx context.Context, conversationID string, userID, appID *string) ([]models.ChatMessage, error) {
	query := s.rebind(`SELECT user_id, app_id, history_json FROM chat_conversations WHERE conversation_id = ?`)

	var storedUser, storedApp sql.NullString
	var historyJSON string
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&storedUser, &storedApp, &historyJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if !scopeMatches(storedUser, userID) || !scopeMatches(storedApp, appID) {
		return nil, nil
	}

	var history []models.ChatMessage
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return history, nil
}

func (s *SQLStore) ListChatConversations(ctx context.Context, userID, appID *string, limit int) ([]models.ConversationSummary, error) {
	query := s.rebind(`SELECT conversation_id, user_id, app_id, title, history_json, created_at, updated_at
        FROM chat_conversations ORDER BY updated_at DESC`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationSummary
	for rows.Next() {
		var conv models.ChatConversation
		var storedUser, storedApp sql.NullString
		var title sql.NullString
		var historyJSON string
		if err := rows.Scan(&conv.ConversationID, &storedUser, &storedApp, &title, &historyJSON, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if !scopeMatches(storedUser, userID) || !scopeMatches(storedApp, appID) {
			continue
		}
		conv.Title = title.String
		if err := json.Unmarshal([]byte(historyJSON), &conv.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
		out = append(out, summarize(&conv))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateChatTitle(ctx context.Context, conversationID string, userID, appID *string, title string) error {
	query := s.rebind(`SELECT user_id, app_id FROM chat_conversations WHERE conversation_id = ?`)
	var storedUser, storedApp sql.NullString
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&storedUser, &storedApp)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get conversation: %w", err)
	}
	if !scopeMatches(storedUser, userID) || !scopeMatches(storedApp, appID) {
		return ErrNotFound
	}

	updateQuery := s.rebind(`UPDATE chat_conversations SET title = ?, updated_at = ? WHERE conversation_id = ?`)
	if _, err := s.db.ExecContext(ctx, updateQuery, title, time.Now(), conversationID); err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	return nil
}

// =============================================================================
// Workflows
// =============================================================================

func (s *SQLStore) CreateWorkflow(ctx context.Context, ac *auth.AuthContext, w *models.Workflow) (*models.Workflow, error) {
	stored := cloneJSON(w)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Owner.ID == "" {
		stored.Owner = models.Owner{Type: ac.EntityType, ID: ac.EntityID}
	}
	now := time.Now()
	stored.SystemMetadata.CreatedAt = now
	stored.SystemMetadata.UpdatedAt = now
	if ac.IsAppScoped() {
		appID := ac.AppID
		stored.SystemMetadata.AppID = &appID
	}

	workflowJSON, err := marshalJSON(stored)
	if err != nil {
		return nil, err
	}
	aclJSON, err := marshalJSON(stored.AccessControl)
	if err != nil {
		return nil, err
	}

	query := s.rebind(`INSERT INTO workflows
        (id, owner_id, app_id, acl_json, workflow_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		stored.ID, stored.Owner.ID, nullable(stored.SystemMetadata.AppID), aclJSON, workflowJSON, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return stored, nil
}

func (s *SQLStore) GetWorkflow(ctx context.Context, ac *auth.AuthContext, id string) (*models.Workflow, error) {
	query := s.rebind(`SELECT workflow_json FROM workflows WHERE id = ?`)
	var workflowJSON string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&workflowJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	var w models.Workflow
	if err := json.Unmarshal([]byte(workflowJSON), &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	if !s.policy.WorkflowAllowed(ac, models.PermissionRead, &w) {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (s *SQLStore) ListWorkflows(ctx context.Context, ac *auth.AuthContext) ([]*models.Workflow, error) {
	var args []any
	where := s.scopeClause(ac, ac.EntityID, &args)

	query := s.rebind(`SELECT workflow_json FROM workflows WHERE ` + where + ` ORDER BY created_at DESC`)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		var workflowJSON string
		if err := rows.Scan(&workflowJSON); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		var w models.Workflow
		if err := json.Unmarshal([]byte(workflowJSON), &w); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
		}
		if s.policy.WorkflowAllowed(ac, models.PermissionRead, &w) {
			out = append(out, &w)
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteWorkflow(ctx context.Context, ac *auth.AuthContext, id string) error {
	w, err := s.GetWorkflow(ctx, ac, id)
	if err != nil {
		return err
	}
	if !s.policy.WorkflowAllowed(ac, models.PermissionWrite, w) {
		return ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	delQuery := s.rebind(`DELETE FROM workflows WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, delQuery, id); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if err := s.removeWorkflowFromFoldersTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) removeWorkflowFromFoldersTx(ctx context.Context, tx *sql.Tx, workflowID string) error {
	query := s.rebind(`SELECT id, folder_json FROM folders WHERE folder_json LIKE ?`)
	rows, err := tx.QueryContext(ctx, query, `%"`+workflowID+`"%`)
	if err != nil {
		return fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var affected []*models.Folder
	for rows.Next() {
		var id, folderJSON string
		if err := rows.Scan(&id, &folderJSON); err != nil {
			return fmt.Errorf("failed to scan folder: %w", err)
		}
		var f models.Folder
		if err := json.Unmarshal([]byte(folderJSON), &f); err != nil {
			return fmt.Errorf("failed to unmarshal folder: %w", err)
		}
		if contains(f.WorkflowIDs, workflowID) {
			affected = append(affected, &f)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, f := range affected {
		f.WorkflowIDs = removeString(f.WorkflowIDs, workflowID)
		if err := s.updateFolderTx(ctx, tx, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) StoreWorkflowRun(ctx context.Context, ac *auth.AuthContext, run *models.WorkflowRun) error {
	if _, err := s.GetWorkflow(ctx, ac, run.WorkflowID); err != nil {
		return err
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Owner.ID == "" {
		run.Owner = models.Owner{Type: ac.EntityType, ID: ac.EntityID}
	}

	runJSON, err := marshalJSON(run)
	if err != nil {
		return err
	}
	query := s.rebind(`INSERT INTO workflow_runs (id, workflow_id, owner_id, run_json, created_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, run.ID, run.WorkflowID, run.Owner.ID, runJSON, time.Now()); err != nil {
		return fmt.Errorf("failed to store workflow run: %w", err)
	}
	return nil
}

func (s *SQLStore) GetWorkflowRun(ctx context.Context, ac *auth.AuthContext, id string) (*models.WorkflowRun, error) {
	query := s.rebind(`SELECT owner_id, run_json FROM workflow_runs WHERE id = ?`)
	var ownerID, runJSON string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&ownerID, &runJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	if ownerID != ac.EntityID {
		return nil, ErrNotFound
	}
	var run models.WorkflowRun
	if err := json.Unmarshal([]byte(runJSON), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow run: %w", err)
	}
	return &run, nil
}

// =============================================================================
// Model configs
// =============================================================================

func (s *SQLStore) CreateModelConfig(ctx context.Context, ac *auth.AuthContext, mc *models.ModelConfig) (*models.ModelConfig, error) {
	stored := cloneJSON(mc)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.UserID = ac.EntityID
	if ac.IsAppScoped() {
		appID := ac.AppID
		stored.AppID = &appID
	} else {
		stored.AppID = nil
	}
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	configJSON, err := marshalJSON(stored)
	if err != nil {
		return nil, err
	}
	query := s.rebind(`INSERT INTO model_configs (id, user_id, app_id, config_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, stored.ID, stored.UserID, nullable(stored.AppID), configJSON, now, now); err != nil {
		return nil, fmt.Errorf("failed to create model config: %w", err)
	}
	return stored, nil
}

func (s *SQLStore) GetModelConfig(ctx context.Context, ac *auth.AuthContext, id string) (*models.ModelConfig, error) {
	query := s.rebind(`SELECT config_json FROM model_configs WHERE id = ?`)
	var configJSON string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&configJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model config: %w", err)
	}
	var mc models.ModelConfig
	if err := json.Unmarshal([]byte(configJSON), &mc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model config: %w", err)
	}
	if !modelConfigVisible(&mc, ac) {
		return nil, ErrNotFound
	}
	return &mc, nil
}

func (s *SQLStore) ListModelConfigs(ctx context.Context, ac *auth.AuthContext) ([]*models.ModelConfig, error) {
	query := s.rebind(`SELECT config_json FROM model_configs WHERE user_id = ? ORDER BY updated_at DESC`)
	rows, err := s.db.QueryContext(ctx, query, ac.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list model configs: %w", err)
	}
	defer rows.Close()

	var out []*models.ModelConfig
	for rows.Next() {
		var configJSON string
		if err := rows.Scan(&configJSON); err != nil {
			return nil, fmt.Errorf("failed to scan model config: %w", err)
		}
		var mc models.ModelConfig
		if err := json.Unmarshal([]byte(configJSON), &mc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal model config: %w", err)
		}
		if modelConfigVisible(&mc, ac) {
			out = append(out, &mc)
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateModelConfig(ctx context.Context, ac *auth.AuthContext, id string, configData map[string]interface{}) (*models.ModelConfig, error) {
	mc, err := s.GetModelConfig(ctx, ac, id)
	if err != nil {
		return nil, err
	}

	mc.ConfigData = configData
	mc.UpdatedAt = time.Now()
	configJSON, err := marshalJSON(mc)
	if err != nil {
		return nil, err
	}
	query := s.rebind(`UPDATE model_configs SET config_json = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, configJSON, mc.UpdatedAt, id); err != nil {
		return nil, fmt.Errorf("failed to update model config: %w", err)
	}
	return mc, nil
}

func (s *SQLStore) DeleteModelConfig(ctx context.Context, ac *auth.AuthContext, id string) error {
	if _, err := s.GetModelConfig(ctx, ac, id); err != nil {
		return err
	}
	query := s.rebind(`DELETE FROM model_configs WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete model config: %w", err)
	}
	return nil
}

// =============================================================================
// Usage accounting
// =============================================================================

func (s *SQLStore) RecordUsage(ctx context.Context, log *models.UsageLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}
	metadataJSON := ""
	if len(log.Metadata) > 0 {
		var err error
		metadataJSON, err = marshalJSON(log.Metadata)
		if err != nil {
			return err
		}
	}

	query := s.rebind(`INSERT INTO usage_logs
        (id, ts, user_id, app_id, operation_type, status, duration_ms, tokens_used, metadata_json, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), log.Timestamp, log.UserID, log.AppID,
		log.OperationType, log.Status, log.DurationMS, log.TokensUsed,
		metadataJSON, log.Error)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (s *SQLStore) RecentUsage(ctx context.Context, userID string, appID *string, opType *string, since *time.Time, limit int) ([]*models.UsageLog, error) {
	query := `SELECT ts, user_id, app_id, operation_type, status, duration_ms, tokens_used, metadata_json, error_message
        FROM usage_logs WHERE user_id = ?`
	args := []any{userID}

	if appID != nil {
		query += " AND app_id = ?"
		args = append(args, *appID)
	}
	if opType != nil {
		query += " AND operation_type = ?"
		args = append(args, *opType)
	}
	if since != nil {
		query += " AND ts >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY ts DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var out []*models.UsageLog
	for rows.Next() {
		var l models.UsageLog
		var appIDCol, metadataJSON, errMsg sql.NullString
		if err := rows.Scan(&l.Timestamp, &l.UserID, &appIDCol, &l.OperationType, &l.Status, &l.DurationMS, &l.TokensUsed, &metadataJSON, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		l.AppID = appIDCol.String
		l.Error = errMsg.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &l.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal usage metadata: %w", err)
			}
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQLStore) UsageStats(ctx context.Context, userID string) (map[string]int64, error) {
	query := s.rebind(`SELECT operation_type, COALESCE(SUM(tokens_used), 0) FROM usage_logs WHERE user_id = ? GROUP BY operation_type`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var op string
		var total int64
		if err := rows.Scan(&op, &total); err != nil {
			return nil, fmt.Errorf("failed to scan usage stats: %w", err)
		}
		stats[op] = total
	}
	return stats, rows.Err()
}

// =============================================================================
// App cascade delete
// =============================================================================

func (s *SQLStore) DeleteAppData(ctx context.Context, developerID, appID string) (*AppDeleteSummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	summary := &AppDeleteSummary{AppID: appID}

	// Documents first so folder references can be cleaned as we go.
	docQuery := s.rebind(`SELECT external_id FROM documents WHERE owner_id = ? AND app_id = ?`)
	rows, err := tx.QueryContext(ctx, docQuery, developerID, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to query app documents: %w", err)
	}
	var docIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		docIDs = append(docIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range docIDs {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM documents WHERE external_id = ?`), id); err != nil {
			return nil, fmt.Errorf("failed to delete document: %w", err)
		}
		if err := s.removeDocumentFromFoldersTx(ctx, tx, id); err != nil {
			return nil, err
		}
		summary.DocumentsDeleted++
	}

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM folders WHERE owner_id = ? AND app_id = ?`), developerID, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete app folders: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		summary.FoldersDeleted = int(n)
	}

	res, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM chat_conversations WHERE app_id = ?`), appID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete app conversations: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		summary.ConversationsDeleted = int(n)
	}

	res, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM model_configs WHERE user_id = ? AND app_id = ?`), developerID, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete app model configs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		summary.ModelConfigsDeleted = int(n)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return summary, nil
}

// Compile-time interface check
var _ Store = (*SQLStore)(nil)
