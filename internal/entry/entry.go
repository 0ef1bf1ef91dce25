// Package entry models a dropped selection of files and folders as a tree
// and flattens it into the list of files that gets uploaded.
package entry

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/fileclass"
)

// Entry is either a *File or a *Directory.
type Entry interface {
	EntryName() string
	isEntry()
}

type File struct {
	Name string
	// Path is the location relative to the dropped root, slash separated.
	Path string
	Size int64
	Open func() (io.ReadCloser, error)
}

type Directory struct {
	Name     string
	Children []Entry
}

func (f *File) EntryName() string      { return f.Name }
func (d *Directory) EntryName() string { return d.Name }
func (*File) isEntry()                 {}
func (*Directory) isEntry()            {}

// Flatten walks the entries depth first and returns every file it finds.
func Flatten(entries ...Entry) []*File {
	var files []*File
	for _, e := range entries {
		files = appendFiles(files, e)
	}
	return files
}

func appendFiles(files []*File, e Entry) []*File {
	switch v := e.(type) {
	case *File:
		return append(files, v)
	case *Directory:
		for _, c := range v.Children {
			files = appendFiles(files, c)
		}
	}
	return files
}

type Options struct {
	SkipHidden bool
}

// FromFS builds the tree rooted at root inside fsys.
func FromFS(fsys fs.FS, root string, opts Options) (Entry, error) {
	info, err := fs.Stat(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", root, ErrNotRegular)
	}
	return build(fsys, root, path.Base(root), info, opts)
}

func build(fsys fs.FS, p, rel string, info fs.FileInfo, opts Options) (Entry, error) {
	if !info.IsDir() {
		return newFile(fsys, p, rel, info), nil
	}

	dirEntries, err := fs.ReadDir(fsys, p)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", p, err)
	}

	dir := &Directory{Name: info.Name()}
	for _, de := range dirEntries {
		if opts.SkipHidden && isHidden(de.Name()) {
			continue
		}
		childInfo, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", de.Name(), err)
		}
		if !childInfo.IsDir() && !childInfo.Mode().IsRegular() {
			continue
		}
		child, err := build(fsys, path.Join(p, de.Name()), path.Join(rel, de.Name()), childInfo, opts)
		if err != nil {
			return nil, err
		}
		dir.Children = append(dir.Children, child)
	}
	return dir, nil
}

func newFile(fsys fs.FS, p, rel string, info fs.FileInfo) *File {
	return &File{
		Name: info.Name(),
		Path: rel,
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return fsys.Open(p) },
	}
}

// FromPaths accepts a mix of files and directories on the local disk, the
// way several items can be dropped at once.
func FromPaths(paths []string, opts Options) ([]Entry, error) {
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		parent, base := filepath.Split(abs)
		e, err := FromFS(os.DirFS(parent), base, opts)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SelectUpload checks that files can be submitted as one model upload.
func SelectUpload(files []*File) error {
	if len(files) == 0 {
		return apperr.Validation("No files selected", nil)
	}
	for _, f := range files {
		if fileclass.IsModel(f.Name) {
			return nil
		}
	}
	return apperr.Validation(
		fmt.Sprintf("No 3D model found. Supported formats: %s", strings.Join(fileclass.ModelExtensions(), ", ")),
		nil,
	)
}

// ErrNotRegular is returned when a dropped path is neither a file nor a directory.
var ErrNotRegular = errors.New("not a regular file or directory")

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
