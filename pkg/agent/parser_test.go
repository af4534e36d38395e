package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphik-org/morphik-core/pkg/models"
)

func TestParseDisplayObjectArray(t *testing.T) {
	objs := parseDisplayObjects(`[{"type":"text","content":"X is Y","source":"docA-chunk1"}]`)
	require.Len(t, objs, 1)
	assert.Equal(t, "text", objs[0].Type)
	assert.Equal(t, "X is Y", objs[0].Content)
	assert.Equal(t, "docA-chunk1", objs[0].Source)
}

func TestParseSingleDisplayObject(t *testing.T) {
	objs := parseDisplayObjects(`{"type":"image","content":"chart.png","source":"doc-1-chunk2"}`)
	require.Len(t, objs, 1)
	assert.Equal(t, "image", objs[0].Type)
}

func TestParseStripsCodeFences(t *testing.T) {
	objs := parseDisplayObjects("```json\n[{\"type\":\"text\",\"content\":\"fenced\",\"source\":\"s1\"}]\n```")
	require.Len(t, objs, 1)
	assert.Equal(t, "fenced", objs[0].Content)
}

func TestParseExtractsArrayEmbeddedInProse(t *testing.T) {
	content := `Here is my answer:

[{"type":"text","content":"embedded","source":"s1"}]

Hope that helps!`
	objs := parseDisplayObjects(content)
	require.Len(t, objs, 1)
	assert.Equal(t, "embedded", objs[0].Content)
}

func TestParseExtractsSingleObjectEmbeddedInProse(t *testing.T) {
	content := `The result is {"type":"text","content":"lone object","source":"s2"} as requested.`
	objs := parseDisplayObjects(content)
	require.Len(t, objs, 1)
	assert.Equal(t, "lone object", objs[0].Content)
	assert.Equal(t, "s2", objs[0].Source)
}

func TestParseDefaultsMissingTypeToText(t *testing.T) {
	objs := parseDisplayObjects(`[{"content":"untyped","source":"s1"}]`)
	require.Len(t, objs, 1)
	assert.Equal(t, models.DisplayTypeText, objs[0].Type)
}

func TestParseFallsBackToRawText(t *testing.T) {
	objs := parseDisplayObjects("Just a plain answer with no JSON at all.")
	require.Len(t, objs, 1)
	assert.Equal(t, models.DisplayTypeText, objs[0].Type)
	assert.Equal(t, "Just a plain answer with no JSON at all.", objs[0].Content)
	assert.Equal(t, fallbackSource, objs[0].Source)
}

func TestParseRejectsWrongShapedJSON(t *testing.T) {
	// Valid JSON but not display objects: fall back to raw.
	raw := `{"answer": 42}`
	objs := parseDisplayObjects(raw)
	require.Len(t, objs, 1)
	assert.Equal(t, raw, objs[0].Content)
	assert.Equal(t, fallbackSource, objs[0].Source)
}
