package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerdneilsfield/go-selection-translator/internal/cli"
)

const page = `<html><head><title>Demo</title></head><body><article><h1>Hello</h1><p>Hello</p><p>World</p></article><footer>Footer</footer></body></html>`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeConfig(t *testing.T, dir string) string {
	return writeFile(t, dir, "selectrans.yaml", `
source_lang: en
target_lang: de
provider: reverse
grace_window: 1ms
backend:
  workers: 2
`)
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := cli.NewRootCommand("1.0.0", "abc123", "2024-01-01")
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// TestCLIHelp 测试帮助信息
func TestCLIHelp(t *testing.T) {
	stdout, _, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "selectrans")
	assert.Contains(t, stdout, "translate")
	assert.Contains(t, stdout, "reverse")

	stdout, _, err = run(t, "translate", "--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "--selector")
	assert.Contains(t, stdout, "--frame")
	assert.Contains(t, stdout, "--revert")
}

// TestCLIVersion 测试版本信息
func TestCLIVersion(t *testing.T) {
	stdout, _, err := run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "1.0.0")
	assert.Contains(t, stdout, "commit abc123")
	assert.Contains(t, stdout, "built 2024-01-01")
}

func TestCLIMissingArgs(t *testing.T) {
	_, _, err := run(t, "translate")
	assert.Error(t, err)
}

func TestCLITranslateToStdout(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	input := writeFile(t, dir, "page.html", page)

	stdout, stderr, err := run(t, "translate", input, "--config", cfg, "--selector", "article")
	require.NoError(t, err)

	assert.Contains(t, stdout, "olleH")
	assert.Contains(t, stdout, "dlroW")
	assert.Contains(t, stdout, `data-selection-original="Hello"`)
	// 选区之外的文本保持不变
	assert.Contains(t, stdout, "<footer>Footer</footer>")
	assert.Contains(t, stdout, "<title>Demo</title>")

	assert.Contains(t, stderr, "Selection Translation Summary")
	assert.Contains(t, stderr, "page.html")
}

func TestCLITranslateWithFrames(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	input := writeFile(t, dir, "page.html", page)
	frame := writeFile(t, dir, "sidebar.html", `<html><body><nav>Menu</nav></body></html>`)
	output := filepath.Join(dir, "out", "page.html")

	_, stderr, err := run(t, "translate", input, "--config", cfg, "--frame", frame, "-o", output, "-q")
	require.NoError(t, err)
	assert.NotContains(t, stderr, "Selection Translation Summary")

	translated, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Contains(t, string(translated), "retooF")

	nested, err := os.ReadFile(filepath.Join(dir, "out", "sidebar.translated.html"))
	require.NoError(t, err)
	assert.Contains(t, string(nested), "uneM")
}

func TestCLITranslateRevert(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	input := writeFile(t, dir, "page.html", page)

	_, stderr, err := run(t, "translate", input, "--config", cfg, "--revert", "-o", filepath.Join(dir, "out.html"))
	require.NoError(t, err)
	assert.Contains(t, stderr, "reverted 4 replacement(s)")
}

func TestCLITranslateErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	input := writeFile(t, dir, "page.html", page)

	tests := []struct {
		name string
		args []string
	}{
		{"missing input", []string{"translate", filepath.Join(dir, "none.html"), "--config", cfg}},
		{"invalid target", []string{"translate", input, "--config", cfg, "--target", "not a language"}},
		{"unknown provider", []string{"translate", input, "--config", cfg, "--provider", "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestCLIProviders(t *testing.T) {
	dir := t.TempDir()
	stdout, _, err := run(t, "providers", "--config", writeConfig(t, dir))
	require.NoError(t, err)
	for _, name := range []string{"echo", "libretranslate", "ollama", "openai", "reverse"} {
		assert.Contains(t, stdout, name)
	}
}

func TestCLIConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selectrans.yaml")

	stdout, _, err := run(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "configuration written")

	t.Setenv("SELECTRANS_OPENAI_API_KEY", "sk-abcdefghijkl")
	stdout, _, err = run(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "target_lang")
	assert.Contains(t, stdout, "sk-a****ijkl")
	assert.False(t, strings.Contains(stdout, "sk-abcdefghijkl"))
}
