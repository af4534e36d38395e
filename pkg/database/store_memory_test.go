package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/models"
)

func devToken(entityID, appID string) *auth.AuthContext {
	return &auth.AuthContext{
		EntityType:  models.EntityTypeDeveloper,
		EntityID:    entityID,
		AppID:       appID,
		Permissions: []models.Permission{models.PermissionAdmin},
	}
}

func userToken(entityID string) *auth.AuthContext {
	return &auth.AuthContext{
		EntityType:  models.EntityTypeUser,
		EntityID:    entityID,
		Permissions: []models.Permission{models.PermissionAdmin},
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()
	tok := userToken("u1")

	doc := &models.Document{ContentType: "text/plain", Metadata: map[string]interface{}{"k": "v"}}
	require.NoError(t, store.StoreDocument(ctx, tok, doc))
	require.NotEmpty(t, doc.ExternalID)

	got, err := store.GetDocument(ctx, tok, doc.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.Owner.ID)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.False(t, got.SystemMetadata.CreatedAt.IsZero())
}

func TestDocumentTenantIsolation(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{CloudMode: true})
	ctx := context.Background()
	appA := devToken("dev1", "appA")
	appB := devToken("dev1", "appB")

	doc := &models.Document{ContentType: "text/plain"}
	require.NoError(t, store.StoreDocument(ctx, appA, doc))

	got, err := store.GetDocument(ctx, appA, doc.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, got.SystemMetadata.AppID)
	assert.Equal(t, "appA", *got.SystemMetadata.AppID)

	// Same developer, different app: invisible.
	_, err = store.GetDocument(ctx, appB, doc.ExternalID)
	assert.ErrorIs(t, err, ErrNotFound)

	docs, err := store.ListDocuments(ctx, appB, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestUpdateDocumentBumpsVersionAndTimestamp(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()
	tok := userToken("u1")

	doc := &models.Document{ContentType: "text/plain"}
	require.NoError(t, store.StoreDocument(ctx, tok, doc))
	before := doc.SystemMetadata.UpdatedAt

	updated, err := store.UpdateDocument(ctx, tok, doc.ExternalID, DocumentUpdate{
		Metadata:       map[string]interface{}{"tag": "x"},
		SystemMetadata: map[string]interface{}{"status": "completed"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.SystemMetadata.Version)
	assert.Equal(t, models.StatusCompleted, updated.SystemMetadata.Status)
	assert.False(t, updated.SystemMetadata.UpdatedAt.Before(before))
}

func TestDeleteDocumentCascadesToFolders(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()
	tok := userToken("u1")

	doc := &models.Document{ContentType: "text/plain"}
	require.NoError(t, store.StoreDocument(ctx, tok, doc))

	f1, err := store.CreateFolder(ctx, tok, &models.Folder{Name: "f1"})
	require.NoError(t, err)
	f2, err := store.CreateFolder(ctx, tok, &models.Folder{Name: "f2"})
	require.NoError(t, err)
	require.NoError(t, store.AddDocumentToFolder(ctx, tok, f1.ID, doc.ExternalID))
	require.NoError(t, store.AddDocumentToFolder(ctx, tok, f2.ID, doc.ExternalID))

	require.NoError(t, store.DeleteDocument(ctx, tok, doc.ExternalID))

	_, err = store.GetDocument(ctx, tok, doc.ExternalID)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{f1.ID, f2.ID} {
		f, err := store.GetFolder(ctx, tok, id)
		require.NoError(t, err)
		assert.NotContains(t, f.DocumentIDs, doc.ExternalID)
	}
}

func TestFolderNameUniquePerOwnerAndApp(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()

	_, err := store.CreateFolder(ctx, userToken("u1"), &models.Folder{Name: "docs"})
	require.NoError(t, err)

	_, err = store.CreateFolder(ctx, userToken("u1"), &models.Folder{Name: "docs"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Different owner or different app scope: fine.
	_, err = store.CreateFolder(ctx, userToken("u2"), &models.Folder{Name: "docs"})
	assert.NoError(t, err)
	_, err = store.CreateFolder(ctx, devToken("u1", "appA"), &models.Folder{Name: "docs"})
	assert.NoError(t, err)
}

func TestFolderMembershipKeepsFolderNameInSync(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()
	tok := userToken("u1")

	doc := &models.Document{ContentType: "text/plain"}
	require.NoError(t, store.StoreDocument(ctx, tok, doc))
	f, err := store.CreateFolder(ctx, tok, &models.Folder{Name: "reports"})
	require.NoError(t, err)

	require.NoError(t, store.AddDocumentToFolder(ctx, tok, f.ID, doc.ExternalID))
	got, err := store.GetDocument(ctx, tok, doc.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, got.SystemMetadata.FolderName)
	assert.Equal(t, "reports", *got.SystemMetadata.FolderName)

	require.NoError(t, store.RemoveDocumentFromFolder(ctx, tok, f.ID, doc.ExternalID))
	got, err = store.GetDocument(ctx, tok, doc.ExternalID)
	require.NoError(t, err)
	assert.Nil(t, got.SystemMetadata.FolderName)
}

func TestDeleteFolderRequiresEmpty(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()
	tok := userToken("u1")

	doc := &models.Document{ContentType: "text/plain"}
	require.NoError(t, store.StoreDocument(ctx, tok, doc))
	f, err := store.CreateFolder(ctx, tok, &models.Folder{Name: "full"})
	require.NoError(t, err)
	require.NoError(t, store.AddDocumentToFolder(ctx, tok, f.ID, doc.ExternalID))

	assert.ErrorIs(t, store.DeleteFolder(ctx, tok, f.ID), ErrFolderNotEmpty)

	require.NoError(t, store.RemoveDocumentFromFolder(ctx, tok, f.ID, doc.ExternalID))
	assert.NoError(t, store.DeleteFolder(ctx, tok, f.ID))
}

func TestListDocumentsAppliesFilters(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()
	tok := userToken("u1")

	for _, category := range []string{"report", "invoice", "report"} {
		doc := &models.Document{Metadata: map[string]interface{}{"category": category}}
		require.NoError(t, store.StoreDocument(ctx, tok, doc))
	}

	docs, err := store.ListDocuments(ctx, tok, ListOptions{Filters: map[string]interface{}{"category": "report"}})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = store.ListDocuments(ctx, tok, ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestChatHistoryScopeChecks(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()

	user := strPtr("u1")
	app := strPtr("appA")
	history := []models.ChatMessage{{Role: models.RoleUser, Content: "hi", Timestamp: time.Now()}}
	require.NoError(t, store.UpsertChatHistory(ctx, "c1", user, app, history))

	got, err := store.GetChatHistory(ctx, "c1", user, app)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Content)

	// Wrong user, wrong app, or missing scope: hidden, not an error.
	for _, tc := range []struct{ u, a *string }{
		{strPtr("u2"), app},
		{user, strPtr("appB")},
		{nil, app},
		{user, nil},
	} {
		got, err := store.GetChatHistory(ctx, "c1", tc.u, tc.a)
		require.NoError(t, err)
		assert.Nil(t, got)
	}

	// Absent conversation is empty, not an error.
	got, err = store.GetChatHistory(ctx, "missing", user, app)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertChatHistoryReplacesAtomically(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()

	h1 := []models.ChatMessage{{Role: models.RoleUser, Content: "q1"}}
	require.NoError(t, store.UpsertChatHistory(ctx, "c1", nil, nil, h1))

	h2 := append(h1, models.ChatMessage{Role: models.RoleAssistant, Content: "a1"})
	require.NoError(t, store.UpsertChatHistory(ctx, "c1", nil, nil, h2))

	got, err := store.GetChatHistory(ctx, "c1", nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "q1", got[0].Content)
	assert.Equal(t, "a1", got[1].Content)
}

func TestListChatConversationsSummaries(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()

	require.NoError(t, store.UpsertChatHistory(ctx, "c1", nil, nil, []models.ChatMessage{
		{Role: models.RoleUser, Content: "first question"},
		{Role: models.RoleAssistant, Content: "first answer"},
	}))
	require.NoError(t, store.UpdateChatTitle(ctx, "c1", nil, nil, "My chat"))

	sums, err := store.ListChatConversations(ctx, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "c1", sums[0].ConversationID)
	assert.Equal(t, "My chat", sums[0].Title)
	assert.Equal(t, 2, sums[0].MessageCount)
	assert.Equal(t, "first answer", sums[0].LastMessage)
}

func TestGraphNameUniquePerOwner(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()
	tok := userToken("u1")

	require.NoError(t, store.StoreGraph(ctx, tok, &models.Graph{Name: "kg"}))
	assert.ErrorIs(t, store.StoreGraph(ctx, tok, &models.Graph{Name: "kg"}), ErrAlreadyExists)
	assert.NoError(t, store.StoreGraph(ctx, userToken("u2"), &models.Graph{Name: "kg"}))
}

func TestUsageAccounting(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{})
	ctx := context.Background()

	for i, op := range []string{"query", "query", "agent"} {
		require.NoError(t, store.RecordUsage(ctx, &models.UsageLog{
			UserID:        "u1",
			OperationType: op,
			Status:        "success",
			TokensUsed:    10 * (i + 1),
		}))
	}
	require.NoError(t, store.RecordUsage(ctx, &models.UsageLog{UserID: "u2", OperationType: "query", TokensUsed: 99}))

	stats, err := store.UsageStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), stats["query"])
	assert.Equal(t, int64(30), stats["agent"])

	recent, err := store.RecentUsage(ctx, "u1", nil, nil, nil, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	op := "agent"
	recent, err = store.RecentUsage(ctx, "u1", nil, &op, nil, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, 30, recent[0].TokensUsed)
}

func TestDeleteAppDataCascades(t *testing.T) {
	store := NewMemoryStore(AccessPolicy{CloudMode: true})
	ctx := context.Background()
	appTok := devToken("dev1", "appA")
	plainTok := userToken("dev1")

	appDoc := &models.Document{ContentType: "text/plain"}
	require.NoError(t, store.StoreDocument(ctx, appTok, appDoc))
	otherDoc := &models.Document{ContentType: "text/plain"}
	require.NoError(t, store.StoreDocument(ctx, plainTok, otherDoc))

	_, err := store.CreateFolder(ctx, appTok, &models.Folder{Name: "appfolder"})
	require.NoError(t, err)

	app := "appA"
	require.NoError(t, store.UpsertChatHistory(ctx, "c1", nil, &app, []models.ChatMessage{{Role: models.RoleUser, Content: "x"}}))

	summary, err := store.DeleteAppData(ctx, "dev1", "appA")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DocumentsDeleted)
	assert.Equal(t, 1, summary.FoldersDeleted)
	assert.Equal(t, 1, summary.ConversationsDeleted)

	// Unscoped data survives.
	_, err = store.GetDocument(ctx, plainTok, otherDoc.ExternalID)
	assert.NoError(t, err)
}
