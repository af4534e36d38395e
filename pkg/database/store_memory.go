package database

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/models"
)

// MemoryStore is an in-memory implementation of Store. It is thread-safe
// and suitable for development, testing, and single-instance deployments.
type MemoryStore struct {
	mu            sync.RWMutex
	policy        AccessPolicy
	documents     map[string]*models.Document
	folders       map[string]*models.Folder
	graphs        map[string]*models.Graph
	conversations map[string]*models.ChatConversation
	workflows     map[string]*models.Workflow
	workflowRuns  map[string]*models.WorkflowRun
	modelConfigs  map[string]*models.ModelConfig
	usageLogs     []*models.UsageLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(policy AccessPolicy) *MemoryStore {
	return &MemoryStore{
		policy:        policy,
		documents:     make(map[string]*models.Document),
		folders:       make(map[string]*models.Folder),
		graphs:        make(map[string]*models.Graph),
		conversations: make(map[string]*models.ChatConversation),
		workflows:     make(map[string]*models.Workflow),
		workflowRuns:  make(map[string]*models.WorkflowRun),
		modelConfigs:  make(map[string]*models.ModelConfig),
	}
}

// cloneJSON deep-copies a value through its JSON form so callers never
// alias store-internal state.
func cloneJSON[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil
	}
	return out
}

// =============================================================================
// Documents
// =============================================================================

func (s *MemoryStore) StoreDocument(ctx context.Context, ac *auth.AuthContext, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := cloneJSON(doc)
	if stored.ExternalID == "" {
		stored.ExternalID = uuid.NewString()
	}
	if stored.Owner.ID == "" {
		stored.Owner = models.Owner{Type: ac.EntityType, ID: ac.EntityID}
	}
	stored.SystemMetadata.CreatedAt = now
	stored.SystemMetadata.UpdatedAt = now
	// App-scoped writes stamp the row with the token's app so the strict
	// predicate can find it again.
	if ac.IsAppScoped() {
		appID := ac.AppID
		stored.SystemMetadata.AppID = &appID
	}

	s.documents[stored.ExternalID] = stored
	doc.ExternalID = stored.ExternalID
	doc.SystemMetadata = stored.SystemMetadata
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, ac *auth.AuthContext, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok || !s.policy.DocumentAllowed(ac, models.PermissionRead, doc) {
		return nil, ErrNotFound
	}
	return cloneJSON(doc), nil
}

func (s *MemoryStore) GetDocumentsByIDs(ctx context.Context, ac *auth.AuthContext, ids []string, systemFilters map[string]interface{}) ([]*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Document, 0, len(ids))
	for _, id := range ids {
		doc, ok := s.documents[id]
		if !ok || !s.policy.DocumentAllowed(ac, models.PermissionRead, doc) {
			continue
		}
		if len(systemFilters) > 0 && !MatchesSystemMetadata(doc.SystemMetadata, systemFilters) {
			continue
		}
		out = append(out, cloneJSON(doc))
	}
	return out, nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, ac *auth.AuthContext, opts ListOptions) ([]*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Document
	for _, doc := range s.documents {
		if !s.policy.DocumentAllowed(ac, models.PermissionRead, doc) {
			continue
		}
		if len(opts.Filters) > 0 && !MatchesMetadata(doc.Metadata, opts.Filters) {
			continue
		}
		if len(opts.SystemFilters) > 0 && !MatchesSystemMetadata(doc.SystemMetadata, opts.SystemFilters) {
			continue
		}
		matched = append(matched, doc)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].SystemMetadata.UpdatedAt.After(matched[j].SystemMetadata.UpdatedAt)
	})

	return paginate(matched, opts.Skip, opts.Limit), nil
}

func paginate[T any](rows []*T, skip, limit int) []*T {
	if skip >= len(rows) {
		return []*T{}
	}
	rows = rows[skip:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	out := make([]*T, len(rows))
	for i, r := range rows {
		out[i] = cloneJSON(r)
	}
	return out
}

func (s *MemoryStore) UpdateDocument(ctx context.Context, ac *auth.AuthContext, id string, upd DocumentUpdate) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok || !s.policy.DocumentAllowed(ac, models.PermissionWrite, doc) {
		return nil, ErrNotFound
	}

	applyDocumentUpdate(doc, upd)
	return cloneJSON(doc), nil
}

// applyDocumentUpdate merges an update into a document and bumps the
// version and updated_at. updated_at never moves backwards.
func applyDocumentUpdate(doc *models.Document, upd DocumentUpdate) {
	if upd.Metadata != nil {
		if doc.Metadata == nil {
			doc.Metadata = make(map[string]interface{}, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			doc.Metadata[k] = v
		}
	}
	if upd.SystemMetadata != nil {
		applySystemUpdate(&doc.SystemMetadata, upd.SystemMetadata)
	}
	if upd.ChunkIDs != nil {
		doc.ChunkIDs = append([]string(nil), upd.ChunkIDs...)
	}
	if upd.Filename != nil {
		doc.Filename = upd.Filename
	}
	if now := time.Now(); now.After(doc.SystemMetadata.UpdatedAt) {
		doc.SystemMetadata.UpdatedAt = now
	}
	doc.SystemMetadata.Version++
}

func applySystemUpdate(sys *models.SystemMetadata, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "folder_name":
			if s, ok := v.(string); ok {
				sys.FolderName = &s
			} else if v == nil {
				sys.FolderName = nil
			}
		case "end_user_id":
			if s, ok := v.(string); ok {
				sys.EndUserID = &s
			} else if v == nil {
				sys.EndUserID = nil
			}
		case "status":
			if s, ok := v.(string); ok {
				sys.Status = models.DocumentStatus(s)
			}
		case "content":
			if s, ok := v.(string); ok {
				sys.Content = s
			}
		}
	}
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, ac *auth.AuthContext, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok || !s.policy.DocumentAllowed(ac, models.PermissionWrite, doc) {
		return ErrNotFound
	}

	delete(s.documents, id)
	// Cascade: strip the id from every folder referencing it, regardless
	// of the caller's folder visibility.
	for _, f := range s.folders {
		f.DocumentIDs = removeString(f.DocumentIDs, id)
	}
	return nil
}

func (s *MemoryStore) CheckDocumentAccess(ctx context.Context, ac *auth.AuthContext, id string, perm models.Permission) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return false, ErrNotFound
	}
	return s.policy.DocumentAllowed(ac, perm, doc), nil
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// =============================================================================
// Folders
// =============================================================================

func (s *MemoryStore) CreateFolder(ctx context.Context, ac *auth.AuthContext, f *models.Folder) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	// (owner.id, name, app_id) is unique.
	for _, existing := range s.folders {
		if existing.Owner.ID == stored.Owner.ID && existing.Name == stored.Name &&
			equalStringPtr(existing.SystemMetadata.AppID, stored.SystemMetadata.AppID) {
			return nil, ErrAlreadyExists
		}
	}

	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	s.folders[stored.ID] = stored
	return cloneJSON(stored), nil
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *MemoryStore) GetFolder(ctx context.Context, ac *auth.AuthContext, id string) (*models.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getFolderLocked(ac, id, models.PermissionRead)
}

func (s *MemoryStore) getFolderLocked(ac *auth.AuthContext, id string, perm models.Permission) (*models.Folder, error) {
	f, ok := s.folders[id]
	if !ok || !s.policy.FolderAllowed(ac, perm, f) {
		return nil, ErrNotFound
	}
	return cloneJSON(f), nil
}

func (s *MemoryStore) GetFolderByName(ctx context.Context, ac *auth.AuthContext, name string) (*models.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.folders {
		if f.Name == name && s.policy.FolderAllowed(ac, models.PermissionRead, f) {
			return cloneJSON(f), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListFolders(ctx context.Context, ac *auth.AuthContext) ([]*models.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Folder
	for _, f := range s.folders {
		if s.policy.FolderAllowed(ac, models.PermissionRead, f) {
			out = append(out, cloneJSON(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) AddDocumentToFolder(ctx context.Context, ac *auth.AuthContext, folderID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok || !s.policy.FolderAllowed(ac, models.PermissionWrite, f) {
		return ErrNotFound
	}
	doc, ok := s.documents[documentID]
	if !ok || !s.policy.DocumentAllowed(ac, models.PermissionWrite, doc) {
		return ErrNotFound
	}

	if !contains(f.DocumentIDs, documentID) {
		f.DocumentIDs = append(f.DocumentIDs, documentID)
	}
	name := f.Name
	doc.SystemMetadata.FolderName = &name
	f.SystemMetadata.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RemoveDocumentFromFolder(ctx context.Context, ac *auth.AuthContext, folderID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok || !s.policy.FolderAllowed(ac, models.PermissionWrite, f) {
		return ErrNotFound
	}

	f.DocumentIDs = removeString(f.DocumentIDs, documentID)
	if doc, ok := s.documents[documentID]; ok {
		doc.SystemMetadata.FolderName = nil
	}
	f.SystemMetadata.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteFolder(ctx context.Context, ac *auth.AuthContext, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[id]
	if !ok || !s.policy.FolderAllowed(ac, models.PermissionAdmin, f) {
		return ErrNotFound
	}
	if len(f.DocumentIDs) > 0 {
		return ErrFolderNotEmpty
	}
	delete(s.folders, id)
	return nil
}

func (s *MemoryStore) AssociateWorkflow(ctx context.Context, ac *auth.AuthContext, folderID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok || !s.policy.FolderAllowed(ac, models.PermissionWrite, f) {
		return ErrNotFound
	}
	if !contains(f.WorkflowIDs, workflowID) {
		f.WorkflowIDs = append(f.WorkflowIDs, workflowID)
		f.SystemMetadata.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) DisassociateWorkflow(ctx context.Context, ac *auth.AuthContext, folderID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok || !s.policy.FolderAllowed(ac, models.PermissionWrite, f) {
		return ErrNotFound
	}
	f.WorkflowIDs = removeString(f.WorkflowIDs, workflowID)
	f.SystemMetadata.UpdatedAt = time.Now()
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// =============================================================================
// Graphs
// =============================================================================

func (s *MemoryStore) StoreGraph(ctx context.Context, ac *auth.AuthContext, g *models.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneJSON(g)
	if stored.Owner.ID == "" {
		stored.Owner = models.Owner{Type: ac.EntityType, ID: ac.EntityID}
	}
	for _, existing := range s.graphs {
		if existing.Owner.ID == stored.Owner.ID && existing.Name == stored.Name {
			return ErrAlreadyExists
		}
	}

	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.SystemMetadata.CreatedAt = now
	stored.SystemMetadata.UpdatedAt = now
	if ac.IsAppScoped() {
		appID := ac.AppID
		stored.SystemMetadata.AppID = &appID
	}
	s.graphs[stored.ID] = stored
	g.ID = stored.ID
	return nil
}

func (s *MemoryStore) GetGraph(ctx context.Context, ac *auth.AuthContext, name string) (*models.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.graphs {
		if g.Name == name && s.policy.GraphAllowed(ac, models.PermissionRead, g) {
			return cloneJSON(g), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListGraphs(ctx context.Context, ac *auth.AuthContext) ([]*models.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Graph
	for _, g := range s.graphs {
		if s.policy.GraphAllowed(ac, models.PermissionRead, g) {
			out = append(out, cloneJSON(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpdateGraph(ctx context.Context, ac *auth.AuthContext, g *models.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.graphs[g.ID]
	if !ok || !s.policy.GraphAllowed(ac, models.PermissionWrite, existing) {
		return ErrNotFound
	}

	stored := cloneJSON(g)
	stored.Owner = existing.Owner
	stored.CreatedAt = existing.CreatedAt
	stored.SystemMetadata = existing.SystemMetadata
	stored.UpdatedAt = time.Now()
	stored.SystemMetadata.UpdatedAt = stored.UpdatedAt
	s.graphs[g.ID] = stored
	return nil
}

func (s *MemoryStore) DeleteGraph(ctx context.Context, ac *auth.AuthContext, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, g := range s.graphs {
		if g.Name == name && s.policy.GraphAllowed(ac, models.PermissionWrite, g) {
			delete(s.graphs, id)
			return nil
		}
	}
	return ErrNotFound
}

// =============================================================================
// Chat history
// =============================================================================

// chatVisible applies the defence-in-depth scope check: a stored user or
// app id that fails to match the caller hides the conversation.
func chatVisible(conv *models.ChatConversation, userID, appID *string) bool {
	if conv.UserID != nil && (userID == nil || *conv.UserID != *userID) {
		return false
	}
	if conv.AppID != nil && (appID == nil || *conv.AppID != *appID) {
		return false
	}
	return true
}

func (s *MemoryStore) UpsertChatHistory(ctx context.Context, conversationID string, userID, appID *string, history []models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &models.ChatConversation{
			ConversationID: conversationID,
			UserID:         userID,
			AppID:          appID,
			CreatedAt:      now,
		}
		s.conversations[conversationID] = conv
	} else if !chatVisible(conv, userID, appID) {
		return ErrNotFound
	}

	clone := models.ChatConversation{History: history}
	conv.History = cloneJSON(&clone).History
	conv.UpdatedAt = now
	return nil
}

func (s *MemoryStore) GetChatHistory(ctx context.Context, conversationID string, userID, appID *string) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok || !chatVisible(conv, userID, appID) {
		return nil, nil
	}
	clone := models.ChatConversation{History: conv.History}
	return cloneJSON(&clone).History, nil
}

func (s *MemoryStore) ListChatConversations(ctx context.Context, userID, appID *string, limit int) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ConversationSummary
	for _, conv := range s.conversations {
		if !chatVisible(conv, userID, appID) {
			continue
		}
		out = append(out, summarize(conv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func summarize(conv *models.ChatConversation) models.ConversationSummary {
	sum := models.ConversationSummary{
		ConversationID: conv.ConversationID,
		Title:          conv.Title,
		MessageCount:   len(conv.History),
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	}
	for i := len(conv.History) - 1; i >= 0; i-- {
		if text := conv.History[i].Text(); text != "" {
			sum.LastMessage = preview(text, 120)
			break
		}
	}
	return sum
}

func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func (s *MemoryStore) UpdateChatTitle(ctx context.Context, conversationID string, userID, appID *string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok || !chatVisible(conv, userID, appID) {
		return ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = time.Now()
	return nil
}

// =============================================================================
// Workflows
// =============================================================================

func (s *MemoryStore) CreateWorkflow(ctx context.Context, ac *auth.AuthContext, w *models.Workflow) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	s.workflows[stored.ID] = stored
	return cloneJSON(stored), nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, ac *auth.AuthContext, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok || !s.policy.WorkflowAllowed(ac, models.PermissionRead, w) {
		return nil, ErrNotFound
	}
	return cloneJSON(w), nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, ac *auth.AuthContext) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Workflow
	for _, w := range s.workflows {
		if s.policy.WorkflowAllowed(ac, models.PermissionRead, w) {
			out = append(out, cloneJSON(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, ac *auth.AuthContext, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok || !s.policy.WorkflowAllowed(ac, models.PermissionWrite, w) {
		return ErrNotFound
	}
	delete(s.workflows, id)
	for _, f := range s.folders {
		f.WorkflowIDs = removeString(f.WorkflowIDs, id)
	}
	return nil
}

func (s *MemoryStore) StoreWorkflowRun(ctx context.Context, ac *auth.AuthContext, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[run.WorkflowID]; !ok {
		return ErrNotFound
	}
	stored := cloneJSON(run)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Owner.ID == "" {
		stored.Owner = models.Owner{Type: ac.EntityType, ID: ac.EntityID}
	}
	s.workflowRuns[stored.ID] = stored
	run.ID = stored.ID
	return nil
}

func (s *MemoryStore) GetWorkflowRun(ctx context.Context, ac *auth.AuthContext, id string) (*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.workflowRuns[id]
	if !ok || run.Owner.ID != ac.EntityID {
		return nil, ErrNotFound
	}
	return cloneJSON(run), nil
}

// =============================================================================
// Model configs
// =============================================================================

// modelConfigVisible scopes configs to their creating (user, app) pair.
func modelConfigVisible(mc *models.ModelConfig, ac *auth.AuthContext) bool {
	if mc.UserID != ac.EntityID {
		return false
	}
	if ac.IsAppScoped() {
		return mc.AppID != nil && *mc.AppID == ac.AppID
	}
	return mc.AppID == nil
}

func (s *MemoryStore) CreateModelConfig(ctx context.Context, ac *auth.AuthContext, mc *models.ModelConfig) (*models.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	s.modelConfigs[stored.ID] = stored
	return cloneJSON(stored), nil
}

func (s *MemoryStore) GetModelConfig(ctx context.Context, ac *auth.AuthContext, id string) (*models.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mc, ok := s.modelConfigs[id]
	if !ok || !modelConfigVisible(mc, ac) {
		return nil, ErrNotFound
	}
	return cloneJSON(mc), nil
}

func (s *MemoryStore) ListModelConfigs(ctx context.Context, ac *auth.AuthContext) ([]*models.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ModelConfig
	for _, mc := range s.modelConfigs {
		if modelConfigVisible(mc, ac) {
			out = append(out, cloneJSON(mc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateModelConfig(ctx context.Context, ac *auth.AuthContext, id string, configData map[string]interface{}) (*models.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.modelConfigs[id]
	if !ok || !modelConfigVisible(mc, ac) {
		return nil, ErrNotFound
	}
	mc.ConfigData = configData
	mc.UpdatedAt = time.Now()
	return cloneJSON(mc), nil
}

func (s *MemoryStore) DeleteModelConfig(ctx context.Context, ac *auth.AuthContext, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.modelConfigs[id]
	if !ok || !modelConfigVisible(mc, ac) {
		return ErrNotFound
	}
	delete(s.modelConfigs, id)
	return nil
}

// =============================================================================
// Usage accounting
// =============================================================================

func (s *MemoryStore) RecordUsage(ctx context.Context, log *models.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneJSON(log)
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	s.usageLogs = append(s.usageLogs, stored)
	return nil
}

func (s *MemoryStore) RecentUsage(ctx context.Context, userID string, appID *string, opType *string, since *time.Time, limit int) ([]*models.UsageLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.UsageLog
	for _, l := range s.usageLogs {
		if l.UserID != userID {
			continue
		}
		if appID != nil && l.AppID != *appID {
			continue
		}
		if opType != nil && l.OperationType != *opType {
			continue
		}
		if since != nil && l.Timestamp.Before(*since) {
			continue
		}
		out = append(out, cloneJSON(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UsageStats(ctx context.Context, userID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, l := range s.usageLogs {
		if l.UserID == userID {
			stats[l.OperationType] += int64(l.TokensUsed)
		}
	}
	return stats, nil
}

// =============================================================================
// App cascade delete
// =============================================================================

func (s *MemoryStore) DeleteAppData(ctx context.Context, developerID, appID string) (*AppDeleteSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := &AppDeleteSummary{AppID: appID}

	for id, doc := range s.documents {
		if doc.Owner.ID == developerID && doc.SystemMetadata.AppID != nil && *doc.SystemMetadata.AppID == appID {
			delete(s.documents, id)
			for _, f := range s.folders {
				f.DocumentIDs = removeString(f.DocumentIDs, id)
			}
			summary.DocumentsDeleted++
		}
	}
	for id, f := range s.folders {
		if f.Owner.ID == developerID && f.SystemMetadata.AppID != nil && *f.SystemMetadata.AppID == appID {
			delete(s.folders, id)
			summary.FoldersDeleted++
		}
	}
	for id, conv := range s.conversations {
		if conv.AppID != nil && *conv.AppID == appID {
			delete(s.conversations, id)
			summary.ConversationsDeleted++
		}
	}
	for id, mc := range s.modelConfigs {
		if mc.UserID == developerID && mc.AppID != nil && *mc.AppID == appID {
			delete(s.modelConfigs, id)
			summary.ModelConfigsDeleted++
		}
	}

	return summary, nil
}

// Close clears all data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents = make(map[string]*models.Document)
	s.folders = make(map[string]*models.Folder)
	s.graphs = make(map[string]*models.Graph)
	s.conversations = make(map[string]*models.ChatConversation)
	s.workflows = make(map[string]*models.Workflow)
	s.workflowRuns = make(map[string]*models.WorkflowRun)
	s.modelConfigs = make(map[string]*models.ModelConfig)
	s.usageLogs = nil
	return nil
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
