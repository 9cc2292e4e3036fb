package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wneessen/go-mail"

	"github.com/shineum/carmailer/internal/email"
)

// Folder writes one <address>.eml file per recipient into a directory.
// Existing files are overwritten.
type Folder struct {
	dir string
}

// NewFolder creates dir if needed.
func NewFolder(dir string) (*Folder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output folder: %w", err)
	}
	return &Folder{dir: dir}, nil
}

// Archive writes msg with CRLF line endings.
func (f *Folder) Archive(_ context.Context, r email.Recipient, msg *mail.Msg) (string, error) {
	path := filepath.Join(f.dir, fileName(r.Address))
	if err := msg.WriteToFile(path); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return path, nil
}

// Dir returns the target directory.
func (f *Folder) Dir() string {
	return f.dir
}
