// Package models defines the entity and wire types shared across the
// Morphik core: documents, folders, graphs, chat conversations, workflows,
// usage logs and the agent display/source types.
package models

import (
	"time"
)

// EntityType identifies the kind of principal behind a request.
type EntityType string

const (
	EntityTypeDeveloper EntityType = "developer"
	EntityTypeUser      EntityType = "user"
	EntityTypeSystem    EntityType = "system"
)

// Permission is a coarse access level carried by a token and checked by the
// access predicate.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// Owner identifies the principal that owns a row.
type Owner struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// DocumentStatus tracks the ingestion lifecycle of a document.
type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// AccessControl lists the principals admitted to a row beyond its owner.
// Document ACLs store bare entity ids; folder ACLs store qualified
// "<entity_type>:<entity_id>" principals (see auth.Qualify).
type AccessControl struct {
	Readers []string `json:"readers"`
	Writers []string `json:"writers"`
	Admins  []string `json:"admins"`
	// UserIDs admits end users directly (cloud mode shortcut).
	UserIDs []string `json:"user_id"`
}

// Contains reports whether id appears in any of the three permission lists.
func (ac AccessControl) Contains(id string) bool {
	return contains(ac.Readers, id) || contains(ac.Writers, id) || contains(ac.Admins, id)
}

// ListFor returns the ACL list that grants the given permission.
func (ac AccessControl) ListFor(p Permission) []string {
	switch p {
	case PermissionWrite:
		return ac.Writers
	case PermissionAdmin:
		return ac.Admins
	default:
		return ac.Readers
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// SystemMetadata is the service-controlled portion of a row's metadata,
// disjoint from user-supplied metadata. It scopes rows by folder, app and
// end user.
type SystemMetadata struct {
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FolderName *string        `json:"folder_name,omitempty"`
	EndUserID  *string        `json:"end_user_id,omitempty"`
	AppID      *string        `json:"app_id,omitempty"`
	Status     DocumentStatus `json:"status,omitempty"`
	Content    string         `json:"content,omitempty"`
	Version    int            `json:"version,omitempty"`
}

// StorageFileInfo points at a raw file held by the object-storage
// collaborator.
type StorageFileInfo struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Version  int    `json:"version,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Document is the indexed unit of content. ExternalID is globally unique.
type Document struct {
	ExternalID     string                 `json:"external_id"`
	Owner          Owner                  `json:"owner"`
	ContentType    string                 `json:"content_type"`
	Filename       *string                `json:"filename,omitempty"`
	Metadata       map[string]interface{} `json:"metadata"`
	SystemMetadata SystemMetadata         `json:"system_metadata"`
	AccessControl  AccessControl          `json:"access_control"`
	ChunkIDs       []string               `json:"chunk_ids"`
	StorageFiles   []StorageFileInfo      `json:"storage_files,omitempty"`
}

// Folder groups documents under a name unique per (owner, name, app).
type Folder struct {
	ID             string                   `json:"id"`
	Name           string                   `json:"name"`
	Description    *string                  `json:"description,omitempty"`
	Owner          Owner                    `json:"owner"`
	DocumentIDs    []string                 `json:"document_ids"`
	SystemMetadata SystemMetadata           `json:"system_metadata"`
	AccessControl  AccessControl            `json:"access_control"`
	Rules          []map[string]interface{} `json:"rules,omitempty"`
	WorkflowIDs    []string                 `json:"workflow_ids,omitempty"`
}

// Entity is a node in a knowledge graph.
type Entity struct {
	ID          string                 `json:"id"`
	Label       string                 `json:"label"`
	Type        string                 `json:"type"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	DocumentIDs []string               `json:"document_ids,omitempty"`
}

// Relationship is an edge between two graph entities.
type Relationship struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Type     string `json:"type"`
}

// Graph is a knowledge graph built over a set of documents.
// (owner.id, name) is unique.
type Graph struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Owner          Owner                  `json:"owner"`
	Entities       []Entity               `json:"entities"`
	Relationships  []Relationship         `json:"relationships"`
	DocumentIDs    []string               `json:"document_ids"`
	Filters        map[string]interface{} `json:"filters,omitempty"`
	SystemMetadata SystemMetadata         `json:"system_metadata"`
	AccessControl  AccessControl          `json:"access_control"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Workflow is an owner-scoped JSON payload identified by id.
type Workflow struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Owner          Owner                  `json:"owner"`
	Payload        map[string]interface{} `json:"payload"`
	SystemMetadata SystemMetadata         `json:"system_metadata"`
	AccessControl  AccessControl          `json:"access_control"`
}

// WorkflowRun records one execution of a workflow.
type WorkflowRun struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	Owner      Owner                  `json:"owner"`
	Status     string                 `json:"status"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// ModelConfig stores per-user provider settings.
type ModelConfig struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id"`
	AppID      *string                `json:"app_id,omitempty"`
	Provider   string                 `json:"provider"`
	ConfigData map[string]interface{} `json:"config_data"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// UsageLog is one accounting row per operation. Its JSON shape is stable
// for external tooling.
type UsageLog struct {
	Timestamp     time.Time              `json:"timestamp"`
	UserID        string                 `json:"user_id"`
	AppID         string                 `json:"app_id,omitempty"`
	OperationType string                 `json:"operation_type"`
	Status        string                 `json:"status"`
	DurationMS    int64                  `json:"duration_ms"`
	TokensUsed    int                    `json:"tokens_used"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// DisplayObject is the terminal unit of an agent response.
type DisplayObject struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Source  string `json:"source"`
}

const (
	DisplayTypeText  = "text"
	DisplayTypeImage = "image"
)

// SourceInfo describes where a piece of tool-produced evidence came from.
// Exactly one of ChunkNumber / AnalysisType is set; a full-document fetch
// leaves both empty.
type SourceInfo struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	ChunkNumber  *int   `json:"chunk_number,omitempty"`
	AnalysisType string `json:"analysis_type,omitempty"`
	Content      string `json:"content,omitempty"`
}
