package attestation

import (
	"fmt"
	"os"
	"path/filepath"
)

// workspace is a request-scoped scratch directory. It owns every file
// received on the wire and guarantees release on every exit path,
// including a panic unwinding through the handler.
type workspace struct {
	dir string
}

// newWorkspace creates a fresh temporary directory for one request.
func newWorkspace() (*workspace, error) {
	dir, err := os.MkdirTemp("", "attestation-verifier-*")
	if err != nil {
		return nil, fmt.Errorf("attestation: creating request workspace: %w", err)
	}
	// The policy verifier runs priv-separated in the reference
	// deployment; it must be able to traverse and read the workspace.
	if err := os.Chmod(dir, 0o755); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("attestation: setting workspace permissions: %w", err)
	}
	return &workspace{dir: dir}, nil
}

// Path returns the workspace's root directory.
func (w *workspace) Path() string { return w.dir }

// WriteField writes data to a file named after the multipart field it was
// received under, so the policy verifier's workspace contract (§6: "all
// received files by field name") is satisfied verbatim.
func (w *workspace) WriteField(field string, data []byte) error {
	path := filepath.Join(w.dir, field)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("attestation: writing workspace field %s: %w", field, err)
	}
	return nil
}

// Close removes the workspace and everything under it. Safe to call more
// than once; callers typically defer it immediately after newWorkspace
// succeeds so every exit path — success, pipeline failure, or panic —
// releases the directory.
func (w *workspace) Close() error {
	if w.dir == "" {
		return nil
	}
	err := os.RemoveAll(w.dir)
	w.dir = ""
	return err
}
