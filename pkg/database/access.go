// Package database is the metadata store: documents, folders, graphs,
// workflows, chat conversations, model configs and usage logs. Every read
// and write is composed with the access predicate derived from the
// caller's AuthContext, so tenant isolation is enforced in one place.
package database

import (
	"reflect"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/models"
)

// AccessPolicy builds the row-level access predicate. CloudMode enables the
// end-user shortcut: rows whose access_control.user_id contains the
// caller's user id are admitted even without an ACL entry.
type AccessPolicy struct {
	CloudMode bool
}

// allows is the core predicate. principal is the identifier looked up in
// the ACL lists: the bare entity id for documents and graphs, the
// qualified "<entity_type>:<entity_id>" form for folders.
//
// App-scoped developer tokens use the strict predicate instead: only rows
// whose system app id equals the token's app id are visible, and the ACL
// and end-user shortcuts are disabled so a token cannot reach across the
// developer's other apps.
func (p AccessPolicy) allows(ac *auth.AuthContext, perm models.Permission, principal string, owner models.Owner, appID *string, ctrl models.AccessControl) bool {
	if ac == nil {
		return false
	}

	if ac.IsAppScoped() {
		return appID != nil && *appID == ac.AppID
	}

	// Owner holds every permission.
	if owner.ID == ac.EntityID {
		return true
	}

	for _, id := range ctrl.ListFor(perm) {
		if id == principal {
			return true
		}
	}

	if p.CloudMode && ac.UserID != "" {
		for _, u := range ctrl.UserIDs {
			if u == ac.UserID {
				return true
			}
		}
	}

	return false
}

// DocumentAllowed evaluates the access predicate against a document row.
func (p AccessPolicy) DocumentAllowed(ac *auth.AuthContext, perm models.Permission, doc *models.Document) bool {
	return p.allows(ac, perm, ac.EntityID, doc.Owner, doc.SystemMetadata.AppID, doc.AccessControl)
}

// FolderAllowed evaluates the access predicate against a folder row.
// Folder ACLs store qualified principals.
func (p AccessPolicy) FolderAllowed(ac *auth.AuthContext, perm models.Permission, f *models.Folder) bool {
	return p.allows(ac, perm, ac.Qualify(), f.Owner, f.SystemMetadata.AppID, f.AccessControl)
}

// GraphAllowed evaluates the access predicate against a graph row.
func (p AccessPolicy) GraphAllowed(ac *auth.AuthContext, perm models.Permission, g *models.Graph) bool {
	return p.allows(ac, perm, ac.EntityID, g.Owner, g.SystemMetadata.AppID, g.AccessControl)
}

// WorkflowAllowed evaluates the access predicate against a workflow row.
func (p AccessPolicy) WorkflowAllowed(ac *auth.AuthContext, perm models.Permission, w *models.Workflow) bool {
	return p.allows(ac, perm, ac.EntityID, w.Owner, w.SystemMetadata.AppID, w.AccessControl)
}

// MatchesMetadata reports whether the row's user metadata satisfies the
// filter document. Keys are AND-ed; a list value is OR-ed at its key; map
// values match by structural subset.
func MatchesMetadata(meta, filters map[string]interface{}) bool {
	for key, want := range filters {
		got, ok := meta[key]
		if !ok || !matchesValue(got, want) {
			return false
		}
	}
	return true
}

func matchesValue(got, want interface{}) bool {
	switch w := want.(type) {
	case []interface{}:
		for _, candidate := range w {
			if matchesValue(got, candidate) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		gm, ok := got.(map[string]interface{})
		if !ok {
			return false
		}
		return MatchesMetadata(gm, w)
	default:
		return reflect.DeepEqual(got, want)
	}
}

// MatchesSystemMetadata evaluates system-level filters (folder_name,
// end_user_id, app_id, status) against a row's system metadata. Unknown
// keys never match, so a typo filters everything out rather than silently
// widening the result.
func MatchesSystemMetadata(sys models.SystemMetadata, filters map[string]interface{}) bool {
	for key, want := range filters {
		var got string
		var present bool
		switch key {
		case "folder_name":
			if sys.FolderName != nil {
				got, present = *sys.FolderName, true
			}
		case "end_user_id":
			if sys.EndUserID != nil {
				got, present = *sys.EndUserID, true
			}
		case "app_id":
			if sys.AppID != nil {
				got, present = *sys.AppID, true
			}
		case "status":
			got, present = string(sys.Status), sys.Status != ""
		default:
			return false
		}
		if !present || !matchesString(got, want) {
			return false
		}
	}
	return true
}

func matchesString(got string, want interface{}) bool {
	switch w := want.(type) {
	case string:
		return got == w
	case []interface{}:
		for _, candidate := range w {
			if s, ok := candidate.(string); ok && got == s {
				return true
			}
		}
		return false
	case []string:
		for _, s := range w {
			if got == s {
				return true
			}
		}
		return false
	default:
		return false
	}
}
