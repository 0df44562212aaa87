package pluginhost

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_NestedAndFlat(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wfmd"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "wfmd", "ph-libwfmd.so"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ph-libflat.so"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ignore.txt"), []byte("x"), 0o644))

	found, err := Discover([]string{root})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestDiscover_MissingRootIsNotAnError(t *testing.T) {
	found, err := Discover([]string{"/no/such/path"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestLoad_MissingFile(t *testing.T) {
	h := New("/tmp/phasehound-test.sock", log.New(os.Stderr))
	_, err := h.Load("/no/such/addon.so")
	assert.Error(t, err)
}

func TestUnload_NotFound(t *testing.T) {
	h := New("/tmp/phasehound-test.sock", log.New(os.Stderr))
	err := h.Unload("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

// buildCAddon compiles a minimal conforming ABI implementation with cc,
// skipping the test if no C toolchain is available in this environment.
func buildCAddon(t *testing.T, name string) string {
	t.Helper()
	if _, err := exec.LookPath("cc"); err != nil {
		t.Skip("no C toolchain available")
	}

	src := `
#include <stdbool.h>
#include <stdint.h>
typedef struct { uint32_t abi; const char *sock_path; const char *name; } ph_ctx_t;
typedef struct { const char *name; const char *version; const char *const *consumes; const char *const *produces; } ph_caps_t;

const char *plugin_name(void) { return "` + name + `"; }
bool plugin_init(const ph_ctx_t *ctx, ph_caps_t *out) {
    if (ctx->abi != 1) return false;
    out->name = "` + name + `";
    out->version = "0.1.0";
    out->consumes = 0;
    out->produces = 0;
    return true;
}
bool plugin_start(void) { return true; }
void plugin_stop(void) {}
`
	dir := t.TempDir()
	cPath := filepath.Join(dir, name+".c")
	soPath := filepath.Join(dir, name+".so")
	require.NoError(t, os.WriteFile(cPath, []byte(src), 0o644))

	cmd := exec.Command("cc", "-shared", "-fPIC", "-o", soPath, cPath)
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "cc build failed: %s", out)
	return soPath
}

func TestLoadUnloadLoad(t *testing.T) {
	so := buildCAddon(t, "loadtest")
	h := New("/tmp/phasehound-test.sock", log.New(os.Stderr))

	p1, err := h.Load(so)
	require.NoError(t, err)
	assert.Equal(t, "loadtest", p1.Name)

	_, err = h.Load(so)
	assert.ErrorIs(t, err, ErrAlreadyLoaded)

	require.NoError(t, h.Unload("loadtest"))

	p2, err := h.Load(so)
	require.NoError(t, err)
	assert.Equal(t, "loadtest", p2.Name)
	require.NoError(t, h.Unload("loadtest"))
}

func TestAutoload_SkipsDuplicate(t *testing.T) {
	so := buildCAddon(t, "autoloadtest")
	h := New("/tmp/phasehound-test.sock", log.New(os.Stderr))

	_, err := h.Autoload(so)
	require.NoError(t, err)
	_, err = h.Autoload(so)
	require.NoError(t, err) // skipped, not an error
	assert.Len(t, h.List(), 1)
	require.NoError(t, h.Unload("autoloadtest"))
}
