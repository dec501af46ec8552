package deployment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Meta is the request metadata persisted for a deployment. Everything
// else about a deployment lives in its event log.
type Meta struct {
	ID           string            `json:"id"`
	Repo         string            `json:"repo"`
	Instructions string            `json:"instructions"`
	Region       string            `json:"region"`
	Tags         map[string]string `json:"tags,omitempty"`
	TTLHours     int               `json:"ttl_hours,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Workspace manages per-deployment directories under the Skylift home.
// Layout per deployment: deployment.json, events.ndjson, outputs.json,
// ttl.json, terraform/.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace manager rooted at dir.
func NewWorkspace(dir string) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	return &Workspace{root: dir}, nil
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string {
	return w.root
}

// Dir returns the directory for a deployment id.
func (w *Workspace) Dir(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("invalid deployment id: %s", id)
	}
	return filepath.Join(w.root, id), nil
}

// TerraformDir returns the provisioner working directory for a deployment.
func (w *Workspace) TerraformDir(id string) (string, error) {
	dir, err := w.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "terraform"), nil
}

// Create makes the deployment directory and writes its metadata.
func (w *Workspace) Create(meta Meta) error {
	dir, err := w.Dir(meta.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, "terraform"), 0755); err != nil {
		return fmt.Errorf("failed to create deployment directory: %w", err)
	}
	return w.writeJSON(filepath.Join(dir, "deployment.json"), meta)
}

// ReadMeta loads a deployment's metadata.
func (w *Workspace) ReadMeta(id string) (*Meta, error) {
	dir, err := w.Dir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "deployment.json"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("deployment not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment metadata: %w", err)
	}
	meta := &Meta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to parse deployment metadata: %w", err)
	}
	return meta, nil
}

// Exists reports whether a deployment directory with metadata exists.
func (w *Workspace) Exists(id string) bool {
	dir, err := w.Dir(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, "deployment.json"))
	return err == nil
}

// WriteOutputs persists the latest provisioner outputs snapshot.
func (w *Workspace) WriteOutputs(id string, outputs map[string]string) error {
	dir, err := w.Dir(id)
	if err != nil {
		return err
	}
	return w.writeJSON(filepath.Join(dir, "outputs.json"), outputs)
}

// ReadOutputs loads the latest provisioner outputs snapshot. A missing
// snapshot returns an empty map.
func (w *Workspace) ReadOutputs(id string) (map[string]string, error) {
	dir, err := w.Dir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "outputs.json"))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outputs: %w", err)
	}
	outputs := map[string]string{}
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("failed to parse outputs: %w", err)
	}
	return outputs, nil
}

// List returns all deployment ids in the workspace, newest first.
func (w *Workspace) List() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && ValidID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Remove deletes a deployment directory and everything under it.
func (w *Workspace) Remove(id string) error {
	dir, err := w.Dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove deployment directory: %w", err)
	}
	return nil
}

func (w *Workspace) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
