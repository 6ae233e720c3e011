package extract

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/matzehuels/cipm/pkg/errors"
)

// tarPrefix is the directory every file of a package tarball lives under.
const tarPrefix = "package/"

// File is one entry written by [Pack].
type File struct {
	Name string // slash-separated path relative to the package root
	Body []byte
	Mode int64 // permission bits; 0 means 0644
}

// Unpack writes the gzipped package tarball data into dest. The first path
// component of every entry is stripped, as registry tarballs nest their
// content under "package/". Entries that would land outside dest are
// rejected with an INVALID_PATH error. Links and special files are skipped.
func Unpack(data []byte, dest string) (int, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, err
	}

	tr := tar.NewReader(zr)
	written := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("read tar entry: %w", err)
		}

		rel, ok := stripComponent(hdr.Name)
		if !ok {
			continue
		}
		if err := errors.ValidatePath(rel); err != nil {
			return written, fmt.Errorf("tar entry %q: %w", hdr.Name, err)
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !within(dest, target) {
			return written, errors.New(errors.ErrCodeInvalidPath, "tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return written, err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, fileMode(hdr.Mode)); err != nil {
				return written, err
			}
			written++
		}
	}
}

// Pack builds a gzipped package tarball from files, nesting them under
// "package/" the way registry tarballs are laid out.
func Pack(files []File) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)

	for _, f := range files {
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		hdr := &tar.Header{
			Name:     tarPrefix + strings.TrimPrefix(f.Name, "/"),
			Mode:     mode,
			Size:     int64(len(f.Body)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.Body); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackDir packs the regular files under dir. Nested node_modules and VCS
// directories are left out.
func PackDir(dir string) ([]byte, error) {
	var files []File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case "node_modules", ".git":
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, File{
			Name: filepath.ToSlash(rel),
			Body: body,
			Mode: int64(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Pack(files)
}

func stripComponent(name string) (string, bool) {
	name = strings.TrimPrefix(name, "./")
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return "", false
	}
	rel := strings.TrimSuffix(name[i+1:], "/")
	return rel, rel != ""
}

func within(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// fileMode keeps the executable bits of the entry and guarantees the owner
// can read and write.
func fileMode(mode int64) os.FileMode {
	return os.FileMode(mode).Perm() | 0644
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
