// Package file provides a JSON file persistence implementation, one document per aggregate.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/reactor/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
// A single mutex serialises writers; every write replaces a whole document atomically.
type Persistence struct {
	root string
	mu   sync.Mutex

	workflowRepo  *WorkflowRepository
	nodeRepo      *NodeRepository
	executionRepo *ExecutionRepository
	policyRepo    *PolicyRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) persistence.Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	fp := &Persistence{root: cleanRoot}
	fp.workflowRepo = &WorkflowRepository{fp: fp}
	fp.nodeRepo = &NodeRepository{fp: fp}
	fp.executionRepo = &ExecutionRepository{fp: fp}
	fp.policyRepo = &PolicyRepository{fp: fp}

	return fp
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) NodeRepository() persistence.NodeRepository {
	return fp.nodeRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) PolicyRepository() persistence.PolicyRepository {
	return fp.policyRepo
}

func (fp *Persistence) path(parts ...string) string {
	return filepath.Join(append([]string{fp.root}, parts...)...)
}

// validateID rejects ids that could escape the root directory.
func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("id %q contains invalid characters", id)
	}

	return nil
}

// readJSON decodes the document at path into v. It returns os.ErrNotExist when missing.
func readJSON(path string, v any) error {
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}

	return nil
}

// writeJSON writes v to a temp file in the target directory and renames it into place.
func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}
