// Package pluginhost discovers, loads, and unloads addon shared libraries
// implementing the four-symbol plugin ABI (spec.md §6): plugin_name,
// plugin_init, plugin_start, plugin_stop. Go's stdlib "plugin" package
// cannot express this host: it has no dlclose/unload and no reload-after-
// close, both of which spec.md's lifecycle and §8's load-unload-load
// property require. So, in the same cgo-interop idiom the teacher repo
// uses throughout for its C dependencies, this package binds libc's
// dlopen/dlsym/dlclose/dlerror directly.
package pluginhost

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
#include <stdint.h>
#include <stdbool.h>

typedef const char* (*ph_name_fn)(void);
typedef struct { uint32_t abi; const char *sock_path; const char *name; } ph_ctx_t;
typedef struct { const char *name; const char *version; const char *const *consumes; const char *const *produces; } ph_caps_t;
typedef bool (*ph_init_fn)(const ph_ctx_t*, ph_caps_t*);
typedef bool (*ph_start_fn)(void);
typedef void (*ph_stop_fn)(void);

static void *ph_dlopen(const char *path) {
    return dlopen(path, RTLD_NOW);
}

static const char *ph_name_call(void *fn) {
    return ((ph_name_fn)fn)();
}

static int ph_init_call(void *fn, uint32_t abi, const char *sock_path, const char *name, ph_caps_t *out) {
    ph_ctx_t ctx = { abi, sock_path, name };
    return ((ph_init_fn)fn)(&ctx, out) ? 1 : 0;
}

static int ph_start_call(void *fn) {
    return ((ph_start_fn)fn)() ? 1 : 0;
}

static void ph_stop_call(void *fn) {
    ((ph_stop_fn)fn)();
}
*/
import "C"

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/charmbracelet/log"
)

// ABIVersion is the single integer both sides of the ABI must agree on. A
// mismatch at init is a hard refusal, per spec.md §6.
const ABIVersion = 1

var (
	// ErrAlreadyLoaded is returned by Load when a plugin with the same
	// self-declared name is already in the fleet table.
	ErrAlreadyLoaded = errors.New("pluginhost: already loaded")
	// ErrNotFound is returned by Unload when no plugin with that name is
	// loaded.
	ErrNotFound = errors.New("pluginhost: not found")
	// ErrSymbolMissing is returned when a candidate library is missing one
	// of the four required ABI symbols.
	ErrSymbolMissing = errors.New("pluginhost: missing ABI symbol")
	// ErrAbiMismatch is returned when plugin_init rejects the ABI version
	// this host offers.
	ErrAbiMismatch = errors.New("pluginhost: ABI mismatch")
	// ErrStartFailed is returned when plugin_start() returns false.
	ErrStartFailed = errors.New("pluginhost: start failed")
)

// Caps is an addon's self-declared capability record, filled in during
// plugin_init.
type Caps struct {
	Name     string
	Version  string
	Consumes []string
	Produces []string
}

// Plugin is one entry in the fleet table: a plugin is present iff its
// start() has returned success and its stop() has not yet been invoked.
type Plugin struct {
	Name string
	Path string
	Caps Caps

	handle unsafe.Pointer
	fStop  unsafe.Pointer
}

// Host holds the name-keyed fleet table and the socket path handed to each
// addon's init context.
type Host struct {
	mu        sync.Mutex
	plugins   map[string]*Plugin
	sockPath  string
	log       *log.Logger
}

// New constructs a Host. sockPath is passed to every addon's plugin_init
// context so addons know where to dial back in as ordinary control-plane
// clients.
func New(sockPath string, logger *log.Logger) *Host {
	return &Host{plugins: make(map[string]*Plugin), sockPath: sockPath, log: logger}
}

// Discover walks roots the way spec.md §4.6 describes: every first-level
// subdirectory of a root is a candidate addon directory, scanned for files
// ending in the platform's dynamic-library suffix; flat .so-style files
// directly under a root are also accepted. Returns absolute paths.
func Discover(roots []string) ([]string, error) {
	var found []string
	suffix := dynlibSuffix()

	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("pluginhost: read %s: %w", root, err)
		}
		for _, e := range entries {
			full := filepath.Join(root, e.Name())
			if e.IsDir() {
				subEntries, err := os.ReadDir(full)
				if err != nil {
					continue
				}
				for _, sub := range subEntries {
					if strings.HasSuffix(sub.Name(), suffix) {
						abs, _ := filepath.Abs(filepath.Join(full, sub.Name()))
						found = append(found, abs)
					}
				}
			} else if strings.HasSuffix(e.Name(), suffix) {
				abs, _ := filepath.Abs(full)
				found = append(found, abs)
			}
		}
	}
	return found, nil
}

func dynlibSuffix() string {
	return ".so" // this host targets Linux SDR deployments
}

// Load opens the shared library at path, resolves the four ABI symbols,
// runs the init handshake, and — if init and start both succeed — adds it
// to the fleet table keyed by its self-declared name. A duplicate explicit
// load (same name already present) fails with ErrAlreadyLoaded without
// touching the existing entry.
func (h *Host) Load(path string) (*Plugin, error) {
	return h.load(path, false)
}

// Autoload is Load's sibling used at startup: a duplicate is skipped
// (logged, not an error) rather than refused, matching spec.md's autoload
// semantics.
func (h *Host) Autoload(path string) (*Plugin, error) {
	return h.load(path, true)
}

func (h *Host) load(path string, autoload bool) (*Plugin, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	dl := C.ph_dlopen(cPath)
	if dl == nil {
		return nil, fmt.Errorf("pluginhost: dlopen %s: %s", path, dlerrorString())
	}

	fName := dlsym(dl, "plugin_name")
	fInit := dlsym(dl, "plugin_init")
	fStart := dlsym(dl, "plugin_start")
	fStop := dlsym(dl, "plugin_stop")
	if fName == nil || fInit == nil || fStart == nil || fStop == nil {
		C.dlclose(dl)
		return nil, ErrSymbolMissing
	}

	name := C.GoString(C.ph_name_call(fName))

	h.mu.Lock()
	if existing, ok := h.plugins[name]; ok {
		h.mu.Unlock()
		if autoload {
			h.log.Info("autoload skip, already loaded", "plugin", name)
			C.dlclose(dl)
			return existing, nil
		}
		C.dlclose(dl)
		return nil, ErrAlreadyLoaded
	}
	h.mu.Unlock()

	cSock := C.CString(h.sockPath)
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cSock))
	defer C.free(unsafe.Pointer(cName))

	var caps C.ph_caps_t
	if C.ph_init_call(fInit, C.uint32_t(ABIVersion), cSock, cName, &caps) == 0 {
		C.dlclose(dl)
		return nil, ErrAbiMismatch
	}

	goStrings := func(p **C.char) []string {
		var out []string
		for p != nil && *p != nil {
			out = append(out, C.GoString(*p))
			p = (**C.char)(unsafe.Add(unsafe.Pointer(p), unsafe.Sizeof(*p)))
		}
		return out
	}
	p := &Plugin{
		Name:   name,
		Path:   path,
		handle: dl,
		fStop:  fStop,
		Caps: Caps{
			Name:     nullableGoString(caps.name),
			Version:  nullableGoString(caps.version),
			Consumes: goStrings(caps.consumes),
			Produces: goStrings(caps.produces),
		},
	}

	if C.ph_start_call(fStart) == 0 {
		C.ph_stop_call(fStop)
		C.dlclose(dl)
		return nil, ErrStartFailed
	}

	h.mu.Lock()
	h.plugins[name] = p
	h.mu.Unlock()

	h.log.Info("loaded plugin", "name", name, "version", p.Caps.Version, "path", path)
	return p, nil
}

// Unload calls the plugin's stop() (which must join its worker threads
// before returning), then releases the library. It is safe to Load the
// same name again afterward (spec.md §8's load-unload-load property).
func (h *Host) Unload(name string) error {
	h.mu.Lock()
	p, ok := h.plugins[name]
	if ok {
		delete(h.plugins, name)
	}
	h.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	C.ph_stop_call(p.fStop)
	C.dlclose(p.handle)
	h.log.Info("unloaded plugin", "name", name)
	return nil
}

// List returns the fleet's current plugins, in no particular order.
func (h *Host) List() []*Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Plugin, 0, len(h.plugins))
	for _, p := range h.plugins {
		out = append(out, p)
	}
	return out
}

// StopAll unloads every plugin in the fleet, in the order the broker's
// shutdown path requires: every plugin's stop() joins its workers before
// this returns.
func (h *Host) StopAll() {
	h.mu.Lock()
	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	h.mu.Unlock()

	for _, name := range names {
		_ = h.Unload(name)
	}
}

func dlsym(handle unsafe.Pointer, sym string) unsafe.Pointer {
	cs := C.CString(sym)
	defer C.free(unsafe.Pointer(cs))
	return C.dlsym(handle, cs)
}

func dlerrorString() string {
	e := C.dlerror()
	if e == nil {
		return "unknown error"
	}
	return C.GoString(e)
}

func nullableGoString(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}
