package clientcore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gridtalk/gridtalk/internal/protocols/wire"
)

// levelCache is a content-addressed file cache. Entries are keyed by
// their SHA-256, so identical files shared between levels or server
// versions are stored once.
type levelCache struct {
	dir string
}

func (c *levelCache) initialize() error {
	return os.MkdirAll(c.dir, 0o755)
}

func (c *levelCache) get(hash string, size int64) ([]byte, bool) {
	byts, err := os.ReadFile(filepath.Join(c.dir, hash))
	if err != nil || int64(len(byts)) != size {
		return nil, false
	}
	return byts, true
}

func (c *levelCache) put(content []byte) error {
	sum := sha256.Sum256(content)
	fpath := filepath.Join(c.dir, hex.EncodeToString(sum[:]))

	tmp := fpath + ".tmp"
	err := os.WriteFile(tmp, content, 0o644)
	if err != nil {
		return err
	}
	return os.Rename(tmp, fpath)
}

// missingPaths returns the manifest paths not satisfied by the cache,
// sorted for a deterministic request.
func (c *levelCache) missingPaths(manifest wire.Manifest) []string {
	var out []string
	for p, meta := range manifest {
		if _, ok := c.get(meta.Hash, meta.Size); !ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// assemble resolves a manifest into full file contents, combining
// cached entries with freshly fetched ones. Every file, cached or
// fetched, is verified against the manifest hash; a mismatch is a
// protocol error.
func (c *levelCache) assemble(
	manifest wire.Manifest,
	fetched map[string][]byte,
) (map[string][]byte, error) {
	out := make(map[string][]byte, len(manifest))

	for p, meta := range manifest {
		content, ok := fetched[p]
		if !ok {
			content, ok = c.get(meta.Hash, meta.Size)
			if !ok {
				return nil, fmt.Errorf("file '%s' neither cached nor served", p)
			}
		}

		sum := sha256.Sum256(content)
		if hex.EncodeToString(sum[:]) != meta.Hash {
			return nil, fmt.Errorf("hash mismatch on '%s'", p)
		}

		if _, wasFetched := fetched[p]; wasFetched {
			err := c.put(content)
			if err != nil {
				return nil, err
			}
		}

		out[p] = content
	}

	return out, nil
}

// writeScratch materialises an assembled level under dir/<name>/ so
// tooling can inspect what the client is running on.
func writeScratch(dir string, name string, files map[string][]byte) error {
	base := filepath.Join(dir, name)
	for p, content := range files {
		fpath := filepath.Join(base, filepath.FromSlash(p))
		err := os.MkdirAll(filepath.Dir(fpath), 0o755)
		if err != nil {
			return err
		}
		err = os.WriteFile(fpath, content, 0o644)
		if err != nil {
			return err
		}
	}
	return nil
}
