package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestDirRender(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTemplate(t, dir, "welcome.html", "Hello {{.display_name}}, visit {{.site_url}}")

	r, err := NewDir(dir)
	require.NoError(t, err)

	out, err := r.Render("welcome.html", Params{
		"display_name": "Ada",
		"site_url":     "https://example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "Hello Ada, visit https://example.com", out)
}

func TestDirRenderMissingTemplate(t *testing.T) {
	t.Parallel()
	r, err := NewDir(t.TempDir())
	require.NoError(t, err)

	_, err = r.Render("absent.html", Params{})
	require.Error(t, err)
}

func TestDirRenderBadSyntax(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTemplate(t, dir, "bad.html", "{{.unclosed")

	r, err := NewDir(dir)
	require.NoError(t, err)
	_, err = r.Render("bad.html", Params{})
	require.Error(t, err)
}

func TestDirRenderEscapesPathTraversal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTemplate(t, dir, "ok.html", "fine")

	r, err := NewDir(dir)
	require.NoError(t, err)

	// Only the base name is honored; traversal stays inside the directory.
	out, err := r.Render("../../ok.html", Params{})
	require.NoError(t, err)
	require.Equal(t, "fine", out)
}

func TestNewDirValidation(t *testing.T) {
	t.Parallel()
	_, err := NewDir("")
	require.Error(t, err)
	_, err = NewDir(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
