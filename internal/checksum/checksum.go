package checksum

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const bufferSize = 64 * 1024 // 64KB buffer

// Algorithm names a fingerprint algorithm
type Algorithm string

const (
	XXHash    Algorithm = "xxhash"
	MD5       Algorithm = "md5"
	SHA256    Algorithm = "sha256"
	CRC64NVME Algorithm = "crc64nvme"
)

// CRC64NVME polynomial used by S3 checksums
var crc64NVMETable = crc64.MakeTable(0x9a6c9329ac4bc9b5)

var constructors = map[Algorithm]func() hash.Hash{
	XXHash:    func() hash.Hash { return xxhash.New() },
	MD5:       md5.New,
	SHA256:    sha256.New,
	CRC64NVME: func() hash.Hash { return crc64.New(crc64NVMETable) },
}

// Hasher computes a content fingerprint from a byte stream.
// Fingerprints only need to be stable across runs for identical content.
type Hasher interface {
	Algorithm() Algorithm
	Sum(r io.Reader) (string, error)
}

type hasher struct {
	alg     Algorithm
	newHash func() hash.Hash
}

// New returns the Hasher for alg. Names are case-insensitive.
func New(alg Algorithm) (Hasher, error) {
	normalized := Algorithm(strings.ToLower(strings.TrimSpace(string(alg))))
	ctor, ok := constructors[normalized]
	if !ok {
		return nil, fmt.Errorf("unknown checksum algorithm %q (supported: %s)", alg, strings.Join(Supported(), ", "))
	}
	return &hasher{alg: normalized, newHash: ctor}, nil
}

// Default returns the xxhash Hasher
func Default() Hasher {
	return &hasher{alg: XXHash, newHash: constructors[XXHash]}
}

// Supported lists the known algorithm names in sorted order
func Supported() []string {
	names := make([]string, 0, len(constructors))
	for alg := range constructors {
		names = append(names, string(alg))
	}
	sort.Strings(names)
	return names
}

func (h *hasher) Algorithm() Algorithm {
	return h.alg
}

// Sum reads r to EOF and returns the hex encoded digest
func (h *hasher) Sum(r io.Reader) (string, error) {
	digest := h.newHash()
	buffer := make([]byte, bufferSize)

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			if _, err := digest.Write(buffer[:n]); err != nil {
				return "", fmt.Errorf("write to hash: %w", err)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}

// SumBytes fingerprints an in-memory buffer
func SumBytes(h Hasher, data []byte) (string, error) {
	return h.Sum(bytes.NewReader(data))
}

// CompareChecksums compares two encoded checksums
func CompareChecksums(checksum1, checksum2 string) bool {
	return checksum1 == checksum2
}
