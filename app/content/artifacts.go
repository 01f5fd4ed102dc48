package content

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-shiori/go-readability"
)

// Artifacts manages per-item content files on disk. Each item owns one
// directory holding the raw fetched HTML ("original"), the
// readability-reduced variant ("stripped"), the image-rewritten variant
// ("full") and the downloaded images, numbered 1.erss, 2.erss and so on
// in document order.
type Artifacts struct {
	dir string
}

func NewArtifacts(dir string) (*Artifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create content dir: %w", err)
	}
	return &Artifacts{dir: dir}, nil
}

// safeID flattens an item id into a single path segment. Item ids carry
// ':' and '/' which are not portable directory names.
func safeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '\\', '?', '*', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
}

func (a *Artifacts) itemDir(id string) string {
	return filepath.Join(a.dir, safeID(id))
}

func (a *Artifacts) OriginalPath(id string) string {
	return filepath.Join(a.itemDir(id), safeID(id)+".original")
}

func (a *Artifacts) StrippedPath(id string) string {
	return filepath.Join(a.itemDir(id), safeID(id)+".stripped")
}

func (a *Artifacts) FullPath(id string) string {
	return filepath.Join(a.itemDir(id), safeID(id)+".full")
}

func (a *Artifacts) ImagePath(id string, n int) string {
	return filepath.Join(a.itemDir(id), fmt.Sprintf("%d.erss", n))
}

// SaveOriginal writes the raw content body and derives the stripped
// variant from it. Items whose body is too thin for the readability
// algorithm keep the original as their stripped variant.
func (a *Artifacts) SaveOriginal(id string, data []byte) error {
	if err := os.MkdirAll(a.itemDir(id), 0o755); err != nil {
		return fmt.Errorf("failed to create item dir: %w", err)
	}
	if err := os.WriteFile(a.OriginalPath(id), data, 0o644); err != nil {
		return fmt.Errorf("failed to write original: %w", err)
	}

	stripped := data
	if article, err := readability.FromReader(strings.NewReader(string(data)), nil); err == nil && article.Content != "" {
		stripped = []byte(article.Content)
	}
	if err := os.WriteFile(a.StrippedPath(id), stripped, 0o644); err != nil {
		return fmt.Errorf("failed to write stripped variant: %w", err)
	}
	return nil
}

func (a *Artifacts) ReadOriginal(id string) ([]byte, error) {
	return os.ReadFile(a.OriginalPath(id))
}

func (a *Artifacts) HasOriginal(id string) bool {
	_, err := os.Stat(a.OriginalPath(id))
	return err == nil
}

func (a *Artifacts) SaveFull(id string, data []byte) error {
	if err := os.MkdirAll(a.itemDir(id), 0o755); err != nil {
		return fmt.Errorf("failed to create item dir: %w", err)
	}
	if err := os.WriteFile(a.FullPath(id), data, 0o644); err != nil {
		return fmt.Errorf("failed to write full variant: %w", err)
	}
	return nil
}

func (a *Artifacts) SaveImage(id string, n int, data []byte) error {
	if err := os.MkdirAll(a.itemDir(id), 0o755); err != nil {
		return fmt.Errorf("failed to create item dir: %w", err)
	}
	if err := os.WriteFile(a.ImagePath(id, n), data, 0o644); err != nil {
		return fmt.Errorf("failed to write image %d: %w", n, err)
	}
	return nil
}

// Remove deletes every artifact of one item.
func (a *Artifacts) Remove(id string) error {
	return os.RemoveAll(a.itemDir(id))
}

// ExportImage copies a cached image into destDir under a collision-free
// name derived from its content, for handing off to external viewers.
func (a *Artifacts) ExportImage(id string, n int, destDir string) (string, error) {
	data, err := os.ReadFile(a.ImagePath(id, n))
	if err != nil {
		return "", fmt.Errorf("failed to read image %d: %w", n, err)
	}

	name := fmt.Sprintf("readersync-%x.jpeg", sha1.Sum(data))
	dest := filepath.Join(destDir, name)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to export image: %w", err)
	}
	return dest, nil
}
