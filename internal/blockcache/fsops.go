package blockcache

import (
	"os"

	"github.com/fusecache/fusecache/internal/layout"
)

// truncateFile shrinks or grows a file to exactly size bytes,
// creating it first if it does not yet exist.
func truncateFile(path string, size int64) error {
	if err := ensureParentDir(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// removePartAndBitmap deletes one part's data and bitmap files. A
// missing file is not an error.
func removePartAndBitmap(root, hashHex string, partIdx int) error {
	if err := removeIfExists(layout.DataPath(root, hashHex, partIdx)); err != nil {
		return err
	}
	return removeIfExists(layout.BitmapPath(root, hashHex, partIdx))
}

// removeObjectDirs deletes every part and bitmap file belonging to an
// object, used on unlink.
func removeObjectDirs(root, hashHex string) error {
	if err := os.RemoveAll(layout.DataDir(root, hashHex)); err != nil {
		return err
	}
	return os.RemoveAll(layout.BitmapDir(root, hashHex))
}

// renameDirIfExists renames a directory, treating a missing source as
// a no-op rather than an error: an object that was never fetched or
// written has no materialized directory to move.
func renameDirIfExists(oldPath, newPath string) error {
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		return nil
	}
	if err := ensureParentDir(newPath); err != nil {
		return err
	}
	return os.Rename(oldPath, newPath)
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
