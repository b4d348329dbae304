// Copyright 2025 James Ross
package pluginrt

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// manifestFile is the YAML sidecar a module may ship next to its binary
// (foo.wasm + foo.yaml). Modules that implement the _plugin_metadata
// export don't need one; the export wins when both are present.
type manifestFile struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Capabilities []string `yaml:"capabilities"`
}

// sidecarManifest reads the module's YAML sidecar, if any.
func sidecarManifest(modulePath string) (Manifest, bool) {
	base := strings.TrimSuffix(modulePath, filepath.Ext(modulePath))
	data, err := os.ReadFile(base + ".yaml")
	if err != nil {
		return Manifest{}, false
	}
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil || mf.Name == "" {
		return Manifest{}, false
	}
	caps := make([]Capability, len(mf.Capabilities))
	for i, c := range mf.Capabilities {
		caps[i] = Capability(c)
	}
	version := mf.Version
	if version == "" {
		version = "0.0.0"
	}
	return Manifest{Name: mf.Name, Version: version, DeclaredCapabilities: caps}, true
}

// kindForExt maps a module file extension to the engine Kind that loads
// it. Sidecar .yaml files and anything unrecognized are skipped.
func kindForExt(ext string) (Kind, bool) {
	switch ext {
	case ".wasm":
		return KindWASM, true
	case ".star":
		return KindStarlark, true
	case ".lua":
		return KindLua, true
	}
	return "", false
}

// LoadDir scans dir for plugin modules and loads each through the engine
// its extension selects, reading declared capabilities from the module's
// YAML sidecar when one is present. Load failures are reported through
// the plugin.error event and do not stop the scan; the returned slice
// holds the ids of the plugins that did load.
func (r *Runtime) LoadDir(ctx context.Context, dir string, host HostCapabilityProvider) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var loaded []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		kind, ok := kindForExt(filepath.Ext(entry.Name()))
		if !ok {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		code, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("plugin module unreadable", zap.String("path", path), zap.Error(err))
			continue
		}
		var declared []Capability
		if m, ok := sidecarManifest(path); ok {
			declared = m.DeclaredCapabilities
		}
		id, err := r.Load(ctx, path, kind, code, declared, host)
		if err != nil {
			continue // Load already emitted plugin.error
		}
		loaded = append(loaded, id)
	}
	return loaded, nil
}
