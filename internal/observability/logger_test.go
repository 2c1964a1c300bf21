package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeAPIKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "***", SanitizeAPIKey(""))
	assert.Equal(t, "***", SanitizeAPIKey("short-key"))
	assert.Equal(t, "sk-ant-a...wxyz", SanitizeAPIKey("sk-ant-api03-aaaa-wxyz"))
}

func TestContextFieldsAppearInOutput(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := ContextWithStage(ContextWithADWID(context.Background(), "a1b2c3d4"), "build")
	logger.InfoContext(ctx, "stage running")

	out := buf.String()
	assert.True(t, strings.Contains(out, `"adw_id":"a1b2c3d4"`), out)
	assert.True(t, strings.Contains(out, `"stage":"build"`), out)
}

func TestWithContextNoFieldsIsSameLogger(t *testing.T) {
	t.Parallel()
	logger := NewLogger(LogConfig{})
	assert.Same(t, logger, logger.WithContext(context.Background()))
}
