package redolog

import (
	"io"
	"os"
)

// file is an file abstraction.
//
// It can be *os.File or an in-memory file.
type file interface {
	io.Reader
	io.Writer
	io.Closer

	// Sync commits the written contents to stable storage.
	Sync() error
}

// fileSystem is the file system abstraction.
//
// Contains functions which can be used to interact with the file system.
// Mainly a 1:1 mapping over the File interface: https://golang.org/pkg/os/#File
type fileSystem interface {
	// create creates or truncates the file.
	create(name string) (file, error)

	// open opens the file for reading.
	// returns error if the file is not found.
	open(name string) (file, error)

	// remove removes the file.
	// returns error if the file isn't found.
	remove(name string) error

	// rename renames the file from oldname to newname.
	// return error if the file with oldname is not found.
	rename(oldname, newname string) error

	// mkdirAll creates a dir with all the parents.
	//
	// returns nil if the operation was success or the dir already exists.
	mkdirAll(dir string, perm os.FileMode) error

	// syncDir flushes the directory entry changes (create, rename, remove) of dir.
	syncDir(dir string) error
}

// defaultFileSystem is a fileSystem implementation of the operating system.
var defaultFileSystem fileSystem = osFileSystem{}

type osFileSystem struct{}

func (osFileSystem) create(name string) (file, error) {
	return os.Create(name)
}

func (osFileSystem) open(name string) (file, error) {
	return os.Open(name)
}

func (osFileSystem) remove(name string) error {
	return os.Remove(name)
}

func (osFileSystem) rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (osFileSystem) mkdirAll(dir string, perm os.FileMode) error {
	return os.MkdirAll(dir, perm)
}

func (osFileSystem) syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
