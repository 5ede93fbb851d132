package writeback

import (
	"io/fs"
	"os"
	"path/filepath"
)

// readPartRange reads length bytes at offset from a part file. A
// missing file (never locally fetched) reads as zeros — readers of a
// snapshot-derived run only ask for bytes the snapshot says are
// dirty, which can only be true if the bytes were written locally.
func readPartRange(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make([]byte, length), nil
		}
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// dirSize sums the size of every regular file under root. A missing
// root directory reports size 0.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}
