// Package levels loads level directories and serves them to clients
// through content-addressed manifests.
package levels

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gridtalk/gridtalk/internal/logger"
	"github.com/gridtalk/gridtalk/internal/protocols/wire"
)

type jsonLevelFile struct {
	Doors   []Door   `json:"doors"`
	Streams []Stream `json:"streams"`
}

type levelPack struct {
	level    *Level
	manifest wire.Manifest
	contents map[string][]byte
	tarball  []byte
}

// Registry loads every level directory under LevelsDir at startup and
// serves levels, manifests, file contents and tarballs to sessions.
type Registry struct {
	LevelsDir string
	Parent    logger.Writer

	packs map[string]*levelPack
}

// Log implements logger.Writer.
func (r *Registry) Log(level logger.Level, format string, args ...interface{}) {
	r.Parent.Log(level, "[levels] "+format, args...)
}

// Initialize initializes a Registry. A level directory named "main"
// must exist.
func (r *Registry) Initialize() error {
	r.packs = make(map[string]*levelPack)

	entries, err := os.ReadDir(r.LevelsDir)
	if err != nil {
		return fmt.Errorf("unable to read levels directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		name := entry.Name()
		pack, err := r.loadPack(name, filepath.Join(r.LevelsDir, name))
		if err != nil {
			return fmt.Errorf("level '%s': %w", name, err)
		}

		r.packs[name] = pack
		r.Log(logger.Info, "loaded level '%s' (%dx%d, %d files)",
			name, pack.level.Width, pack.level.Height, len(pack.manifest))
	}

	if _, ok := r.packs["main"]; !ok {
		return fmt.Errorf("no level named 'main' in %s", r.LevelsDir)
	}

	r.validate()

	return nil
}

func (r *Registry) loadPack(name string, dir string) (*levelPack, error) {
	contents := make(map[string][]byte)
	manifest := make(wire.Manifest)

	err := filepath.WalkDir(dir, func(fpath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, fpath)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		byts, err := os.ReadFile(fpath)
		if err != nil {
			return err
		}

		sum := sha256.Sum256(byts)
		contents[rel] = byts
		manifest[rel] = wire.FileMeta{
			Hash: hex.EncodeToString(sum[:]),
			Size: int64(len(byts)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	level, err := NewFromFiles(name, contents)
	if err != nil {
		return nil, err
	}

	tarball, err := buildTarball(contents)
	if err != nil {
		return nil, err
	}

	return &levelPack{
		level:    level,
		manifest: manifest,
		contents: contents,
		tarball:  tarball,
	}, nil
}

// NewFromFiles builds a Level from raw level directory contents, the
// same layout both the registry and a downloading client see:
// level.txt (required), tiles.json and level.json (optional).
func NewFromFiles(name string, contents map[string][]byte) (*Level, error) {
	mapText, ok := contents["level.txt"]
	if !ok {
		return nil, fmt.Errorf("level.txt is missing")
	}

	tiles := BuiltinTiles()
	def := DefaultTile
	if byts, ok := contents["tiles.json"]; ok {
		var err error
		tiles, def, err = ParseTiles(byts)
		if err != nil {
			return nil, fmt.Errorf("tiles.json: %w", err)
		}
	}

	level, err := NewFromText(name, string(mapText), tiles, def)
	if err != nil {
		return nil, err
	}

	if byts, ok := contents["level.json"]; ok {
		var f jsonLevelFile
		err = json.Unmarshal(byts, &f)
		if err != nil {
			return nil, fmt.Errorf("level.json: %w", err)
		}
		level.Doors = f.Doors
		level.Streams = f.Streams
	}

	return level, nil
}

// validate logs a warning for every inconsistency that does not
// prevent a level from being served.
func (r *Registry) validate() {
	for name, pack := range r.packs {
		l := pack.level

		if l.SpawnCount() == 0 {
			r.Log(logger.Warn, "level '%s' has no spawn position", name)
		}

		// characters with no definition render as the default tile.
		// Padding spaces are skipped, they are generated implicitly.
		seen := make(map[byte]bool)
		for _, char := range l.Bytes() {
			if char == ' ' || seen[char] {
				continue
			}
			seen[char] = true
			if _, ok := l.Tiles[char]; !ok {
				r.Log(logger.Warn, "level '%s': tile '%c' has no definition", name, char)
			}
		}

		for _, d := range l.Doors {
			if d.X < 0 || d.Y < 0 || d.X >= l.Width || d.Y >= l.Height {
				r.Log(logger.Warn, "level '%s': door at (%d, %d) is out of bounds",
					name, d.X, d.Y)
				continue
			}

			if !l.Def(l.TileAt(d.X, d.Y)).IsDoor {
				r.Log(logger.Warn, "level '%s': door at (%d, %d) is not on a door tile",
					name, d.X, d.Y)
			}

			target := d.TargetLevel
			if target == "" {
				target = name
			}
			tp, ok := r.packs[target]
			if !ok {
				r.Log(logger.Warn, "level '%s': door at (%d, %d) targets unknown level '%s'",
					name, d.X, d.Y, target)
				continue
			}
			if !tp.level.IsWalkable(d.TargetX, d.TargetY) {
				r.Log(logger.Warn, "level '%s': door at (%d, %d) targets non-walkable (%d, %d) in '%s'",
					name, d.X, d.Y, d.TargetX, d.TargetY, target)
			}
		}

		// is_door tiles without a transition entry act as plain tiles
		for y := 0; y < l.Height; y++ {
			for x := 0; x < l.Width; x++ {
				if !l.Def(l.TileAt(x, y)).IsDoor {
					continue
				}
				if _, ok := l.DoorAt(x, y); !ok {
					r.Log(logger.Warn, "level '%s': door tile at (%d, %d) has no transition",
						name, x, y)
				}
			}
		}

		for _, st := range l.Streams {
			if st.X < 0 || st.Y < 0 || st.X >= l.Width || st.Y >= l.Height {
				r.Log(logger.Warn, "level '%s': stream at (%d, %d) is out of bounds",
					name, st.X, st.Y)
			}
			if !strings.HasPrefix(st.URL, "http://") && !strings.HasPrefix(st.URL, "https://") {
				r.Log(logger.Warn, "level '%s': stream at (%d, %d) has invalid URL '%s'",
					name, st.X, st.Y, st.URL)
			}
		}
	}
}

// Level returns a loaded level by name.
func (r *Registry) Level(name string) (*Level, bool) {
	pack, ok := r.packs[name]
	if !ok {
		return nil, false
	}
	return pack.level, true
}

// Manifest returns the manifest of a level.
func (r *Registry) Manifest(name string) (wire.Manifest, bool) {
	pack, ok := r.packs[name]
	if !ok {
		return nil, false
	}
	return pack.manifest, true
}

// Files returns the contents of the requested paths of a level.
// Unknown paths are skipped.
func (r *Registry) Files(name string, paths []string) (map[string][]byte, bool) {
	pack, ok := r.packs[name]
	if !ok {
		return nil, false
	}

	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		if byts, ok := pack.contents[p]; ok {
			out[p] = byts
		}
	}
	return out, true
}

// Tarball returns the prebuilt tarball of a level, for clients that
// use the legacy pack download.
func (r *Registry) Tarball(name string) ([]byte, bool) {
	pack, ok := r.packs[name]
	if !ok {
		return nil, false
	}
	return pack.tarball, true
}

// Names returns the names of all loaded levels, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.packs))
	for name := range r.packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildTarball packs level files into an uncompressed tar archive with
// deterministic ordering.
func buildTarball(contents map[string][]byte) ([]byte, error) {
	paths := make([]string, 0, len(contents))
	for p := range contents {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, p := range paths {
		byts := contents[p]
		err := tw.WriteHeader(&tar.Header{
			Name: p,
			Mode: 0o644,
			Size: int64(len(byts)),
		})
		if err != nil {
			return nil, err
		}
		_, err = tw.Write(byts)
		if err != nil {
			return nil, err
		}
	}

	err := tw.Close()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
