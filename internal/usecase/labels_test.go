package usecase

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLabelFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "label_categories.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLabelCategories_ExactAndWildcard(t *testing.T) {
	t.Parallel()
	path := writeLabelFile(t, `
support:
  - "Support"
  - "Tier ?"
billing: "billing/*"
`)
	lc, err := LoadLabelCategories(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "support"}, lc.CategoryNames())

	assert.Equal(t, []string{"support"}, lc.Categorize([]string{"Support"}))
	assert.Equal(t, []string{"support"}, lc.Categorize([]string{"Tier 2"}))
	assert.Nil(t, lc.Categorize([]string{"Tier 22"}), "? matches exactly one character")
	assert.Equal(t, []string{"billing"}, lc.Categorize([]string{"billing/invoices"}))
	assert.Nil(t, lc.Categorize([]string{"support"}), "matching is case sensitive")
	assert.Equal(t, []string{"billing", "support"}, lc.Categorize([]string{"Support", "billing/x"}))
}

func TestLabelCategories_MissingFileDisables(t *testing.T) {
	t.Parallel()
	lc, err := LoadLabelCategories(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Nil(t, lc.Categorize([]string{"anything"}))
	assert.Empty(t, lc.CategoryNames())
}

func TestLabelCategories_EmptyPathDisables(t *testing.T) {
	t.Parallel()
	lc, err := LoadLabelCategories("")
	require.NoError(t, err)
	assert.Nil(t, lc.Categorize([]string{"anything"}))
}

func TestLabelCategories_InvalidYAML(t *testing.T) {
	t.Parallel()
	path := writeLabelFile(t, "support: [unclosed")
	_, err := LoadLabelCategories(path)
	require.Error(t, err)
}

func TestLabelCategories_NonStringPattern(t *testing.T) {
	t.Parallel()
	path := writeLabelFile(t, "support:\n  - 42\n")
	_, err := LoadLabelCategories(path)
	require.Error(t, err)
}
