// Package layout computes deterministic on-disk locations for cached
// object data from a logical mount path.
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// HashPath returns the lowercase hex SHA-256 digest of a logical path.
// This digest is the object's stable identity ("hash_hex") and the basis
// of the two-level fan-out directory layout below.
func HashPath(logicalPath string) string {
	sum := sha256.Sum256([]byte(logicalPath))
	return hex.EncodeToString(sum[:])
}

// DataDir returns the directory holding every part file for an object.
func DataDir(root, hashHex string) string {
	return filepath.Join(root, "data", hashHex[0:2], hashHex[2:4], hashHex)
}

// BitmapDir returns the directory holding every bitmap file for an object.
func BitmapDir(root, hashHex string) string {
	return filepath.Join(root, "bitmap", hashHex[0:2], hashHex[2:4], hashHex)
}

// DataPath returns the on-disk path of a single part file.
func DataPath(root, hashHex string, partIdx int) string {
	return filepath.Join(DataDir(root, hashHex), partName(partIdx))
}

// BitmapPath returns the on-disk path of a single bitmap file.
func BitmapPath(root, hashHex string, partIdx int) string {
	return filepath.Join(BitmapDir(root, hashHex), partName(partIdx)+".bmp")
}

// MetaDBPath returns the location of the metadata database file.
func MetaDBPath(root string) string {
	return filepath.Join(root, "metadata.db")
}

func partName(partIdx int) string {
	return fmt.Sprintf("part_%08d", partIdx)
}

// PartIndex returns the part index and the offset within that part for a
// given byte offset into an object, given the part size in bytes.
func PartIndex(offset int64, partBytes int64) (partIdx int, partOffset int64) {
	partIdx = int(offset / partBytes)
	partOffset = offset % partBytes
	return
}

// BlockIndex returns the block index within a part for a given offset
// relative to the start of that part, given the block size in bytes.
func BlockIndex(partOffset int64, blockBytes int64) int {
	return int(partOffset / blockBytes)
}

// BlocksPerPart returns the number of blocks in a full part.
func BlocksPerPart(partBytes, blockBytes int64) int {
	return int((partBytes + blockBytes - 1) / blockBytes)
}
