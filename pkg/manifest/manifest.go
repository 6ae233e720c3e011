// Package manifest reads the two documents an install starts from: the
// project manifest (package.json) and its lockfile (npm-shrinkwrap.json or
// package-lock.json).
//
// Both are decoded with [DecodeJSON], which tolerates a leading UTF-8 byte
// order mark. Editors on Windows like to add one and the standard decoder
// rejects it.
package manifest

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/matzehuels/cipm/pkg/errors"
)

// File names looked up in the install prefix.
const (
	ManifestFile   = "package.json"
	LockFile       = "package-lock.json"
	ShrinkwrapFile = "npm-shrinkwrap.json"
)

// MinLockfileVersion is the oldest lockfile schema the plan builder accepts.
const MinLockfileVersion = 1

// bom is the UTF-8 encoding of U+FEFF.
var bom = []byte{0xEF, 0xBB, 0xBF}

// Manifest is the subset of package.json an install needs.
type Manifest struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Dependencies         map[string]string `json:"dependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
	DevDependencies      map[string]string `json:"devDependencies,omitempty"`
	Scripts              map[string]string `json:"scripts,omitempty"`
	Gypfile              *bool             `json:"gypfile,omitempty"`
}

// Lockfile is a package-lock.json or npm-shrinkwrap.json document.
type Lockfile struct {
	Name            string                 `json:"name,omitempty"`
	Version         string                 `json:"version,omitempty"`
	LockfileVersion int                    `json:"lockfileVersion"`
	Requires        bool                   `json:"requires,omitempty"`
	Dependencies    map[string]*Dependency `json:"dependencies,omitempty"`

	// Filename is the base name the lockfile was read from.
	Filename string `json:"-"`
}

// Dependency is one entry of a lockfile's (possibly nested) dependencies map.
// Nesting encodes placement: an entry inside another entry's Dependencies
// lives in that entry's node_modules directory.
type Dependency struct {
	Version      string                 `json:"version"`
	Integrity    string                 `json:"integrity,omitempty"`
	Resolved     string                 `json:"resolved,omitempty"`
	Dev          bool                   `json:"dev,omitempty"`
	Optional     bool                   `json:"optional,omitempty"`
	Bundled      bool                   `json:"bundled,omitempty"`
	Requires     map[string]string      `json:"requires,omitempty"`
	Dependencies map[string]*Dependency `json:"dependencies,omitempty"`
	Scripts      map[string]string      `json:"scripts,omitempty"`
}

// DecodeJSON decodes data into v after stripping a leading byte order mark.
// Malformed documents yield a JSON_PARSE error.
func DecodeJSON(data []byte, v any) error {
	if err := decode(data, v); err != nil {
		return errors.Wrap(errors.ErrCodeJSONParse, err, "invalid JSON")
	}
	return nil
}

func decode(data []byte, v any) error {
	return json.Unmarshal(bytes.TrimPrefix(data, bom), v)
}

// ReadJSON reads dir/name and decodes it with [DecodeJSON].
// A missing file returns an error satisfying errors.Is(err, fs.ErrNotExist).
func ReadJSON(dir, name string, v any) error {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := decode(data, v); err != nil {
		return errors.Wrap(errors.ErrCodeJSONParse, err, "invalid JSON in %s", path)
	}
	return nil
}

// LoadManifest reads package.json from dir.
func LoadManifest(dir string) (*Manifest, error) {
	var m Manifest
	if err := ReadJSON(dir, ManifestFile, &m); err != nil {
		if isNotExist(err) {
			return nil, errors.Wrap(errors.ErrCodeManifestNotFound, err, "no %s found in %s", ManifestFile, dir)
		}
		return nil, err
	}
	return &m, nil
}

// LoadLockfile reads the lockfile from dir, preferring npm-shrinkwrap.json
// over package-lock.json. It returns (nil, nil) when neither exists so the
// plan builder can report the missing lockfile with its remediation message.
func LoadLockfile(dir string) (*Lockfile, error) {
	for _, name := range []string{ShrinkwrapFile, LockFile} {
		var lock Lockfile
		err := ReadJSON(dir, name, &lock)
		if isNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		lock.Filename = name
		return &lock, nil
	}
	return nil, nil
}

func isNotExist(err error) bool {
	return stderrors.Is(err, fs.ErrNotExist)
}
