package wire

import (
	"encoding/json"
	"fmt"
)

// FileMeta is the manifest entry of a single level file.
// Its JSON form is the two-element array [sha256Hex, size].
type FileMeta struct {
	Hash string
	Size int64
}

// MarshalJSON implements json.Marshaler.
func (f FileMeta) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{f.Hash, f.Size})
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FileMeta) UnmarshalJSON(b []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	if len(arr) != 2 {
		return fmt.Errorf("manifest entry must have 2 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &f.Hash); err != nil {
		return err
	}
	return json.Unmarshal(arr[1], &f.Size)
}

// Manifest maps level-relative paths to file metadata.
type Manifest map[string]FileMeta

// LevelManifestRequest asks for the manifest of a level.
type LevelManifestRequest struct {
	Name string
}

// Marshal encodes the message payload.
func (m LevelManifestRequest) Marshal() []byte {
	var w writer
	w.stringU16(m.Name)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *LevelManifestRequest) Unmarshal(buf []byte) error {
	r := reader{buf: buf}
	var err error
	m.Name, err = r.stringU16()
	return err
}

// LevelManifest carries the manifest of a level as JSON.
// An unknown level is reported as an empty manifest.
type LevelManifest struct {
	Manifest Manifest
}

// Marshal encodes the message payload.
func (m LevelManifest) Marshal() []byte {
	man := m.Manifest
	if man == nil {
		man = Manifest{}
	}
	j, _ := json.Marshal(man) //nolint:errcheck

	var w writer
	w.uint32(uint32(len(j)))
	w.bytes(j)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *LevelManifest) Unmarshal(buf []byte) error {
	r := reader{buf: buf}

	n, err := r.uint32()
	if err != nil {
		return err
	}
	j, err := r.bytes(int(n))
	if err != nil {
		return err
	}
	return json.Unmarshal(j, &m.Manifest)
}

// LevelFilesRequest asks for specific files of a level.
type LevelFilesRequest struct {
	Name  string
	Paths []string
}

// Marshal encodes the message payload.
func (m LevelFilesRequest) Marshal() []byte {
	var w writer
	w.stringU16(m.Name)
	w.uint16(uint16(len(m.Paths)))
	for _, p := range m.Paths {
		w.stringU16(p)
	}
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *LevelFilesRequest) Unmarshal(buf []byte) error {
	r := reader{buf: buf}

	var err error
	if m.Name, err = r.stringU16(); err != nil {
		return err
	}

	n, err := r.uint16()
	if err != nil {
		return err
	}
	m.Paths = make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		p, err2 := r.stringU16()
		if err2 != nil {
			return err2
		}
		m.Paths = append(m.Paths, p)
	}
	return nil
}

// LevelFilesData carries the raw contents of the requested files.
type LevelFilesData struct {
	Files map[string][]byte
}

// Marshal encodes the message payload.
func (m LevelFilesData) Marshal() []byte {
	var w writer
	w.uint16(uint16(len(m.Files)))
	for p, content := range m.Files {
		w.stringU16(p)
		w.uint32(uint32(len(content)))
		w.bytes(content)
	}
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *LevelFilesData) Unmarshal(buf []byte) error {
	r := reader{buf: buf}

	n, err := r.uint16()
	if err != nil {
		return err
	}
	m.Files = make(map[string][]byte, n)
	for i := uint16(0); i < n; i++ {
		p, err2 := r.stringU16()
		if err2 != nil {
			return err2
		}
		size, err2 := r.uint32()
		if err2 != nil {
			return err2
		}
		content, err2 := r.bytes(int(size))
		if err2 != nil {
			return err2
		}
		m.Files[p] = append([]byte(nil), content...)
	}
	return nil
}

// LevelPackRequest asks for a whole level as a tarball. Legacy; the
// manifest/delta sequence is preferred.
type LevelPackRequest struct {
	Name string
}

// Marshal encodes the message payload.
func (m LevelPackRequest) Marshal() []byte {
	var w writer
	w.stringU16(m.Name)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *LevelPackRequest) Unmarshal(buf []byte) error {
	r := reader{buf: buf}
	var err error
	m.Name, err = r.stringU16()
	return err
}

// LevelPackData carries a whole level as a tarball. An unknown level is
// reported as an empty tarball.
type LevelPackData struct {
	Tar []byte
}

// Marshal encodes the message payload.
func (m LevelPackData) Marshal() []byte {
	var w writer
	w.uint32(uint32(len(m.Tar)))
	w.bytes(m.Tar)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *LevelPackData) Unmarshal(buf []byte) error {
	r := reader{buf: buf}

	n, err := r.uint32()
	if err != nil {
		return err
	}
	tar, err := r.bytes(int(n))
	if err != nil {
		return err
	}
	m.Tar = append([]byte(nil), tar...)
	return nil
}
