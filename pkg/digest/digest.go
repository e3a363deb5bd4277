// Package digest computes file checksums needed by bundle metadata and
// registration manifests.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"os"

	pb "github.com/cheggaaa/pb/v3"
)

// SHA1 digests the file at path, showing a byte-mode progress bar on
// progressOut. The result is prefixed "sha1$", the form bundle metadata
// records in workflow_outputs.
func SHA1(path string, progressOut io.Writer) (string, error) {
	sum, err := digest(path, sha1.New(), progressOut)
	if err != nil {
		return "", err
	}
	return "sha1$" + sum, nil
}

// MD5 digests the file at path, showing a byte-mode progress bar on
// progressOut. Registration manifests carry this digest per file.
func MD5(path string, progressOut io.Writer) (string, error) {
	return digest(path, md5.New(), progressOut)
}

func digest(path string, h hash.Hash, progressOut io.Writer) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", err
	}

	bar := pb.New64(stat.Size())
	bar.Set(pb.Bytes, true)
	bar.SetWriter(progressOut)
	if err := bar.Err(); err != nil {
		return "", err
	}

	bar.Start()
	defer bar.Finish()

	if _, err := io.Copy(h, bar.NewProxyReader(f)); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
