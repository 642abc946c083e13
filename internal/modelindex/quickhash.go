package modelindex

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// quickHashSample is the size of each sampled region.
const quickHashSample = 1 << 20

// QuickHash fingerprints a file without reading all of it: xxhash64 over
// the file size plus three 1 MiB samples (start, middle, end). Files up to
// three samples long are hashed whole. Multi-gigabyte model files get a
// stable identity in a few reads; collisions would need identical size and
// identical sampled regions.
func QuickHash(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("quick hash %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("quick hash %s: %w", path, err)
	}
	size = info.Size()

	h := xxhash.New()
	_, _ = h.WriteString(strconv.FormatInt(size, 10))
	_, _ = h.Write([]byte{0})

	if size <= 3*quickHashSample {
		if _, err := io.Copy(h, f); err != nil {
			return "", 0, fmt.Errorf("quick hash %s: %w", path, err)
		}
		return fmt.Sprintf("%016x", h.Sum64()), size, nil
	}

	buf := make([]byte, quickHashSample)
	for _, off := range []int64{0, (size - quickHashSample) / 2, size - quickHashSample} {
		n, err := f.ReadAt(buf, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", 0, fmt.Errorf("quick hash %s: %w", path, err)
		}
		if n != len(buf) {
			return "", 0, fmt.Errorf("quick hash %s: short read at %d", path, off)
		}
		_, _ = h.Write(buf)
	}
	return fmt.Sprintf("%016x", h.Sum64()), size, nil
}

// FullHashes reads the whole file once and returns its sha256 and md5 hex
// digests, the identities used by model hosting sites.
func FullHashes(path string) (sha256Hex string, md5Hex string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("full hash %s: %w", path, err)
	}
	defer f.Close()

	strong := sha256.New()
	legacy := md5.New()
	if _, err := io.Copy(io.MultiWriter(strong, legacy), f); err != nil {
		return "", "", fmt.Errorf("full hash %s: %w", path, err)
	}
	return hex.EncodeToString(strong.Sum(nil)), hex.EncodeToString(legacy.Sum(nil)), nil
}
