package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the registry file consulted when no path is given.
const DefaultConfigPath = "global_config.json"

// TaskDefinition describes one indexing task configuration.
//
// Examples include perceptual hashes (hash type, sqlite backend) and image
// embeddings (vector type, faiss backend, consumed elsewhere).
type TaskDefinition struct {
	Name      string `json:"-"`
	Type      string `json:"type"`
	Backend   string `json:"backend"`
	Mode      string `json:"mode"`
	Dim       int    `json:"dim,omitempty"`
	Bits      int    `json:"bits,omitempty"`
	ModelRef  string `json:"model_ref,omitempty"`
	Version   string `json:"version,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
}

// GlobalConfig is the top-level configuration persisted in the registry file.
type GlobalConfig struct {
	Version            int                       `json:"version"`
	WorkspacesDir      string                    `json:"workspaces_dir"`
	GlobalIndexDB      string                    `json:"global_index_db"`
	HashDB             string                    `json:"hash_db"`
	Tasks              map[string]TaskDefinition `json:"tasks"`
	CurrentWorkspaceID string                    `json:"current_workspace_id,omitempty"`
}

// Registry loads and exposes global task and workspace configuration.
// It is the canonical source of the workspaces root, the global database
// locations, and the declared task definitions.
type Registry struct {
	config GlobalConfig
	path   string
}

// DefaultConfig returns a configuration with the standard layout and the
// built-in perceptual hash task declared.
func DefaultConfig() GlobalConfig {
	return GlobalConfig{
		Version:       1,
		WorkspacesDir: "workspaces",
		GlobalIndexDB: "global_index.sqlite",
		HashDB:        "image_hashes.sqlite",
		Tasks: map[string]TaskDefinition{
			"phash_144": {
				Type:      "hash",
				Backend:   "sqlite",
				Mode:      "local",
				Bits:      144,
				Algorithm: "dct",
			},
		},
	}
}

// LoadRegistry reads the registry file at path. A missing file yields a
// registry with DefaultConfig, which Save will materialize.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Registry{config: DefaultConfig(), path: path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg GlobalConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.WorkspacesDir == "" {
		cfg.WorkspacesDir = "workspaces"
	}
	if cfg.GlobalIndexDB == "" {
		cfg.GlobalIndexDB = "global_index.sqlite"
	}
	if cfg.HashDB == "" {
		cfg.HashDB = "image_hashes.sqlite"
	}
	if cfg.Tasks == nil {
		cfg.Tasks = make(map[string]TaskDefinition)
	}
	for name, def := range cfg.Tasks {
		def.Name = name
		cfg.Tasks[name] = def
	}

	return &Registry{config: cfg, path: path}, nil
}

// Config returns the full global configuration.
func (r *Registry) Config() GlobalConfig {
	return r.config
}

// WorkspacesRoot returns the directory where all workspaces live, resolved
// relative to the registry file.
func (r *Registry) WorkspacesRoot() string {
	return r.resolve(r.config.WorkspacesDir)
}

// GlobalIndexPath returns the path to the global index database.
func (r *Registry) GlobalIndexPath() string {
	return r.resolve(r.config.GlobalIndexDB)
}

// HashDBPath returns the path to the global content hash database.
func (r *Registry) HashDBPath() string {
	return r.resolve(r.config.HashDB)
}

// CurrentWorkspaceID returns the currently selected workspace id, if any.
func (r *Registry) CurrentWorkspaceID() string {
	return r.config.CurrentWorkspaceID
}

// SetCurrentWorkspaceID persists the current workspace selection.
func (r *Registry) SetCurrentWorkspaceID(workspaceID string) error {
	r.config.CurrentWorkspaceID = workspaceID
	return r.Save()
}

// Task returns the definition for a task name.
func (r *Registry) Task(name string) (TaskDefinition, bool) {
	def, ok := r.config.Tasks[name]
	return def, ok
}

// TaskNames returns all declared task names.
func (r *Registry) TaskNames() []string {
	names := make([]string, 0, len(r.config.Tasks))
	for name := range r.config.Tasks {
		names = append(names, name)
	}
	return names
}

// Save writes the configuration back to the registry file.
func (r *Registry) Save() error {
	raw, err := json.MarshalIndent(r.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(r.path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", r.path, err)
	}
	return nil
}

// resolve interprets a configured path relative to the registry file's
// directory; absolute paths pass through.
func (r *Registry) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(r.path), p)
}
