// Package upgrade implements component D: the image catalog, swarm
// seeding, the FIFO request queue, and the PREPARE/COMMIT batch state
// machines described in spec.md §4.D.
package upgrade

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tg-mesh/ctrl/pkg/ctrlerr"
	"github.com/tg-mesh/ctrl/pkg/log"
	"github.com/tg-mesh/ctrl/pkg/store"
	"github.com/tg-mesh/ctrl/pkg/types"
)

// ExtractedMetadata is what the external metadata-extraction tool
// reports about a candidate image file.
type ExtractedMetadata struct {
	Version      string
	BoardIDs     []string
	HeaderLen    int64  // bytes to skip before hashing the payload
	DeclaredMD5  string // the image's own signed declaration, to verify against
}

// MetadataExtractor runs the external metadata-extraction tool spec.md
// §4.D.1 describes against an image file.
type MetadataExtractor func(path string) (ExtractedMetadata, error)

// Catalog holds the ingested image catalog (component D's image store),
// backed by pkg/store for durability.
type Catalog struct {
	mu        sync.RWMutex
	images    map[string]types.Image // version -> Image
	extractor MetadataExtractor
	st        store.Store
	imageDir  string
	log       zerolog.Logger
}

// NewCatalog constructs an empty Catalog. st may be nil in tests that
// only exercise in-memory ingest.
func NewCatalog(imageDir string, extractor MetadataExtractor, st store.Store) *Catalog {
	return &Catalog{
		images:    make(map[string]types.Image),
		extractor: extractor,
		st:        st,
		imageDir:  imageDir,
		log:       log.WithComponent("upgrade"),
	}
}

// ScanDirectory implements §4.D.1's startup ingest: scan the image
// directory for files with the image extension, run the external
// metadata-extraction tool, reject duplicate versions, verify the MD5
// of the signed payload, and install into the catalog.
func (c *Catalog) ScanDirectory(extension string) error {
	entries, err := os.ReadDir(c.imageDir)
	if err != nil {
		return fmt.Errorf("upgrade: scan image dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != extension {
			continue
		}
		path := filepath.Join(c.imageDir, e.Name())
		if err := c.ingest(path); err != nil {
			c.log.Error().Err(err).Str("path", path).Msg("failed to ingest image")
		}
	}
	return nil
}

// ingest runs one candidate file through the full pipeline: extract
// metadata, reject duplicate version, verify MD5, install.
func (c *Catalog) ingest(path string) error {
	meta, err := c.extractor(path)
	if err != nil {
		return ctrlerr.Invalid(fmt.Sprintf("metadata extraction failed for %s: %v", path, err))
	}

	c.mu.RLock()
	_, dup := c.images[meta.Version]
	c.mu.RUnlock()
	if dup {
		return ctrlerr.Invalid(fmt.Sprintf("duplicate image version %q", meta.Version))
	}

	sum, err := md5Payload(path, meta.HeaderLen)
	if err != nil {
		return fmt.Errorf("upgrade: md5 %s: %w", path, err)
	}
	if meta.DeclaredMD5 != "" && sum != meta.DeclaredMD5 {
		return ctrlerr.Invalid(fmt.Sprintf("MD5 mismatch for %s: computed %s, declared %s", path, sum, meta.DeclaredMD5))
	}

	img := types.Image{
		Version:          meta.Version,
		LocalPath:        path,
		MD5:              sum,
		HardwareBoardIDs: meta.BoardIDs,
	}
	return c.install(img)
}

func (c *Catalog) install(img types.Image) error {
	c.mu.Lock()
	c.images[img.Version] = img
	c.mu.Unlock()

	if c.st != nil {
		if err := c.st.PutImage(&img); err != nil {
			return fmt.Errorf("upgrade: persist image %s: %w", img.Version, err)
		}
	}
	c.log.Info().Str("version", img.Version).Str("md5", img.MD5).Msg("installed image")
	return nil
}

// FetchURL implements the upload-by-URL pipeline: a streaming HTTP(S)
// fetch to a temp path followed by the same ingest pipeline as
// ScanDirectory, with a disk-full guard that aborts the download.
func (c *Catalog) FetchURL(url string, freeBytesGuard func() (int64, error)) error {
	if freeBytesGuard != nil {
		free, err := freeBytesGuard()
		if err != nil {
			return fmt.Errorf("upgrade: disk space check: %w", err)
		}
		if free <= 0 {
			return ctrlerr.Failed("fetch image", fmt.Errorf("insufficient disk space"))
		}
	}

	tmp, err := os.CreateTemp(c.imageDir, "upload-*.tmp")
	if err != nil {
		return fmt.Errorf("upgrade: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	resp, err := http.Get(url)
	if err != nil {
		tmp.Close()
		return ctrlerr.Transient("fetch image", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		tmp.Close()
		return ctrlerr.Transient("fetch image", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return ctrlerr.Transient("stream image body", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("upgrade: close temp file: %w", err)
	}

	return c.ingest(tmpPath)
}

// Get returns an image by version.
func (c *Catalog) Get(version string) (types.Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img, ok := c.images[version]
	return img, ok
}

// List returns every catalog entry.
func (c *Catalog) List() []types.Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Image, 0, len(c.images))
	for _, img := range c.images {
		out = append(out, img)
	}
	return out
}

// ForBoardID returns every image compatible with a hardware board id.
func (c *Catalog) ForBoardID(boardID string) []types.Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []types.Image
	for _, img := range c.images {
		for _, b := range img.HardwareBoardIDs {
			if b == boardID {
				out = append(out, img)
				break
			}
		}
	}
	return out
}

// md5Payload hashes path starting after headerLen bytes, since the
// declared MD5 covers the image payload only, excluding the signed
// header (spec.md §4.D.1).
func md5Payload(path string, headerLen int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if headerLen > 0 {
		if _, err := f.Seek(headerLen, io.SeekStart); err != nil {
			return "", err
		}
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
