package hash

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/opencontainers/go-digest"

	"github.com/bazel-contrib/rules_worker/worker_tool/pkg/progress"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func newHash(digestAlg string) (hash.Hash, error) {
	switch digestAlg {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", digestAlg)
	}
}

// computeHash computes the hash of the file at path.
// If uncompressed is set and the file is gzip or zstd compressed, its decompressed contents are hashed.
// If showProgress is set a progress bar is displayed while reading (when stderr is a terminal).
func computeHash(ctx context.Context, path, digestAlg string, uncompressed, showProgress bool) ([]byte, error) {
	h, err := newHash(digestAlg)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file %s: %w", path, err)
	}
	defer file.Close()

	var r io.Reader = &contextReader{ctx: ctx, r: file}
	if showProgress {
		if info, err := file.Stat(); err == nil {
			pctx, stop := progress.Start(ctx, "hashed")
			defer stop()
			r = progress.Reader(pctx, r, info.Size(), path)
		}
	}
	if uncompressed {
		dr, err := decompress(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
		}
		defer dr.Close()
		r = dr
	}

	if _, err := io.Copy(h, r); err != nil {
		return nil, fmt.Errorf("failed to hash input file: %w", err)
	}
	return h.Sum(nil), nil
}

// decompress returns a reader of the decompressed contents of r, detected by magic bytes.
// Input that is neither gzip nor zstd is passed through unchanged.
func decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		return pgzip.NewReader(br)
	case bytes.HasPrefix(magic, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return io.NopCloser(br), nil
	}
}

// contextReader stops reading once its context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// encodeHash encodes the hash bytes according to the specified encoding.
func encodeHash(hashBytes []byte, encoding, digestAlg string) ([]byte, error) {
	switch encoding {
	case "raw":
		return hashBytes, nil
	case "hex":
		return []byte(hex.EncodeToString(hashBytes)), nil
	case "sri":
		return fmt.Appendf(nil, "%s-%s", digestAlg, base64.StdEncoding.EncodeToString(hashBytes)), nil
	case "oci-digest":
		d := digest.NewDigestFromBytes(digest.Algorithm(digestAlg), hashBytes)
		if err := d.Validate(); err != nil {
			return nil, err
		}
		return []byte(d.String()), nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

// writeHashOutput writes the hash to the request's output file with its encoding.
func writeHashOutput(hashBytes []byte, req *hashRequest) error {
	outputData, err := encodeHash(hashBytes, req.encoding, req.digest)
	if err != nil {
		return err
	}
	if err := os.WriteFile(req.output, outputData, 0o644); err != nil {
		return fmt.Errorf("failed to write output file %s: %w", req.output, err)
	}
	return nil
}
