package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/query"
)

// ListDocumentsRequest is the body of POST /documents.
type ListDocumentsRequest struct {
	Skip       int                    `json:"skip,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
	FolderName string                 `json:"folder_name,omitempty"`
	EndUserID  string                 `json:"end_user_id,omitempty"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var req ListDocumentsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	systemFilters := map[string]interface{}{}
	if req.FolderName != "" {
		systemFilters["folder_name"] = req.FolderName
	}
	if req.EndUserID != "" {
		systemFilters["end_user_id"] = req.EndUserID
	}

	docs, err := s.store.ListDocuments(r.Context(), ac, database.ListOptions{
		Skip:          req.Skip,
		Limit:         req.Limit,
		Filters:       req.Filters,
		SystemFilters: systemFilters,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	doc, err := s.store.GetDocument(r.Context(), ac, chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// UpdateDocumentRequest is the body of PATCH /documents/{id}.
type UpdateDocumentRequest struct {
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Filename *string                `json:"filename,omitempty"`
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var req UpdateDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	doc, err := s.store.UpdateDocument(r.Context(), ac, chi.URLParam(r, "documentID"), database.DocumentUpdate{
		Metadata: req.Metadata,
		Filename: req.Filename,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	if err := s.store.DeleteDocument(r.Context(), ac, chi.URLParam(r, "documentID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// CreateFolderRequest is the body of POST /folders.
type CreateFolderRequest struct {
	Name        string                   `json:"name"`
	Description *string                  `json:"description,omitempty"`
	Rules       []map[string]interface{} `json:"rules,omitempty"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var req CreateFolderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, r, &query.ValidationError{Field: "name", Message: "must not be empty"})
		return
	}

	folder, err := s.store.CreateFolder(r.Context(), ac, &models.Folder{
		Name:        req.Name,
		Description: req.Description,
		Rules:       req.Rules,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	folders, err := s.store.ListFolders(r.Context(), ac)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if folders == nil {
		folders = []*models.Folder{}
	}
	writeJSON(w, http.StatusOK, folders)
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	folder, err := s.store.GetFolder(r.Context(), ac, chi.URLParam(r, "folderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	if err := s.store.DeleteFolder(r.Context(), ac, chi.URLParam(r, "folderID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAddDocumentToFolder(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	err := s.store.AddDocumentToFolder(r.Context(), ac, chi.URLParam(r, "folderID"), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveDocumentFromFolder(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	err := s.store.RemoveDocumentFromFolder(r.Context(), ac, chi.URLParam(r, "folderID"), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAssociateWorkflow(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	err := s.store.AssociateWorkflow(r.Context(), ac, chi.URLParam(r, "folderID"), chi.URLParam(r, "workflowID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDisassociateWorkflow(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	err := s.store.DisassociateWorkflow(r.Context(), ac, chi.URLParam(r, "folderID"), chi.URLParam(r, "workflowID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var graph models.Graph
	if err := decodeJSON(r, &graph); err != nil {
		s.writeError(w, r, err)
		return
	}
	if graph.Name == "" {
		s.writeError(w, r, &query.ValidationError{Field: "name", Message: "must not be empty"})
		return
	}

	if err := s.store.StoreGraph(r.Context(), ac, &graph); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, graph)
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	graphs, err := s.store.ListGraphs(r.Context(), ac)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if graphs == nil {
		graphs = []*models.Graph{}
	}
	writeJSON(w, http.StatusOK, graphs)
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	graph, err := s.store.GetGraph(r.Context(), ac, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (s *Server) handleUpdateGraph(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var graph models.Graph
	if err := decodeJSON(r, &graph); err != nil {
		s.writeError(w, r, err)
		return
	}
	graph.Name = chi.URLParam(r, "name")

	if err := s.store.UpdateGraph(r.Context(), ac, &graph); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	if err := s.store.DeleteGraph(r.Context(), ac, chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var workflow models.Workflow
	if err := decodeJSON(r, &workflow); err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.store.CreateWorkflow(r.Context(), ac, &workflow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	workflows, err := s.store.ListWorkflows(r.Context(), ac)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	workflow, err := s.store.GetWorkflow(r.Context(), ac, chi.URLParam(r, "workflowID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflow)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	if err := s.store.DeleteWorkflow(r.Context(), ac, chi.URLParam(r, "workflowID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStoreWorkflowRun(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var run models.WorkflowRun
	if err := decodeJSON(r, &run); err != nil {
		s.writeError(w, r, err)
		return
	}
	if run.WorkflowID == "" {
		s.writeError(w, r, &query.ValidationError{Field: "workflow_id", Message: "must not be empty"})
		return
	}

	if err := s.store.StoreWorkflowRun(r.Context(), ac, &run); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetWorkflowRun(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	run, err := s.store.GetWorkflowRun(r.Context(), ac, chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCreateModelConfig(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var mc models.ModelConfig
	if err := decodeJSON(r, &mc); err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.store.CreateModelConfig(r.Context(), ac, &mc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListModelConfigs(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	configs, err := s.store.ListModelConfigs(r.Context(), ac)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if configs == nil {
		configs = []*models.ModelConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleGetModelConfig(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	mc, err := s.store.GetModelConfig(r.Context(), ac, chi.URLParam(r, "configID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

func (s *Server) handleUpdateModelConfig(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var body struct {
		ConfigData map[string]interface{} `json:"config_data"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	mc, err := s.store.UpdateModelConfig(r.Context(), ac, chi.URLParam(r, "configID"), body.ConfigData)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

func (s *Server) handleDeleteModelConfig(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	if err := s.store.DeleteModelConfig(r.Context(), ac, chi.URLParam(r, "configID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	userID, _ := query.Scope(ac)

	stats, err := s.store.UsageStats(r.Context(), *userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = map[string]int64{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	userID, appID := query.Scope(ac)

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, r, &query.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = parsed
	}

	var opType *string
	if op := r.URL.Query().Get("operation_type"); op != "" {
		opType = &op
	}
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, &query.ValidationError{Field: "since", Message: "must be RFC 3339"})
			return
		}
		since = &parsed
	}

	logs, err := s.store.RecentUsage(r.Context(), *userID, appID, opType, since, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*models.UsageLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}
