package executor

import "sync"

// Plugin contributes an executor type beyond the built-ins. Plugins add
// themselves to the table from an init function in their own package; the
// worker binary imports the package for its side effect and calls
// LoadPlugins before freezing the registry.
type Plugin struct {
	Name    string
	Factory Factory
}

var (
	pluginMu sync.Mutex
	plugins  []Plugin
)

// RegisterPlugin adds a plugin to the table. Called from init functions.
func RegisterPlugin(name string, factory Factory) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	plugins = append(plugins, Plugin{Name: name, Factory: factory})
}

// LoadPlugins registers every tabled plugin into r. Name collisions with
// built-ins or other plugins surface as registration errors.
func LoadPlugins(r *Registry) error {
	pluginMu.Lock()
	defer pluginMu.Unlock()

	for _, p := range plugins {
		if err := r.Register(p.Name, p.Factory); err != nil {
			return err
		}
	}
	return nil
}
