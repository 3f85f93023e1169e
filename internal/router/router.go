// Package router implements file-extension-to-server routing and capability
// lookup. It has no dependency on internal/supervisor so that package can
// depend on it instead.
package router

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/codebridge-dev/codebridge/internal/bridgeerr"
)

// Descriptor describes one configured language server: which file
// extensions it owns and how to start it. Install hints for a command that
// isn't found are looked up by internal/supervisor, not stored here.
type Descriptor struct {
	Name         string
	Command      string
	Args         []string
	Extensions   []string
	WorkspaceDir string
	InitOptions  any

	// RestartInterval is how long a healthy server may run before the
	// supervisor recycles it (kills it without respawning, so the next
	// acquire starts fresh). Zero means never recycle.
	RestartInterval time.Duration
}

// Route returns the first Descriptor whose Extensions list contains
// filePath's extension. Descriptors are matched in slice order, so when two
// descriptors claim the same extension the first one wins. Neither this
// function nor config loading reports such an overlap.
func Route(descriptors []Descriptor, filePath string) (Descriptor, error) {
	ext := strings.TrimPrefix(filepath.Ext(filePath), ".")
	if ext == "" {
		return Descriptor{}, bridgeerr.New(bridgeerr.KindInvalidParams, "router", "file has no extension: "+filePath, nil)
	}
	for _, d := range descriptors {
		for _, e := range d.Extensions {
			if strings.EqualFold(strings.TrimPrefix(e, "."), ext) {
				return d, nil
			}
		}
	}
	return Descriptor{}, bridgeerr.New(bridgeerr.KindInvalidParams, "router", "no server configured for extension ."+ext, nil)
}

// Supports walks a server's raw capabilities JSON along a dotted path (e.g.
// "codeLensProvider.resolveProvider") and reports whether the terminal value
// is present and not false/null. A missing intermediate key is "not
// supported", not an error: capability objects are sparse by design.
func Supports(capabilities json.RawMessage, dottedPath string) bool {
	if len(capabilities) == 0 || dottedPath == "" {
		return false
	}
	var root any
	if err := json.Unmarshal(capabilities, &root); err != nil {
		return false
	}
	cur := root
	for _, part := range strings.Split(dottedPath, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		v, ok := m[part]
		if !ok {
			return false
		}
		cur = v
	}
	switch v := cur.(type) {
	case nil:
		return false
	case bool:
		return v
	default:
		return true
	}
}
