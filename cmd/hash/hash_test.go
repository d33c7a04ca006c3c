package hash

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/bazel-contrib/rules_worker/worker_tool/pkg/persistentworker"
)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func writeFile(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, contents, 0o644))
	return p
}

func workContext(dir string, args []string, inputs ...persistentworker.Input) (*persistentworker.WorkContext, *bytes.Buffer) {
	var out bytes.Buffer
	return &persistentworker.WorkContext{
		RequestID: 1,
		Arguments: args,
		Inputs:    inputs,
		BaseDir:   dir,
		Output:    &out,
		Span:      trace.SpanFromContext(context.Background()),
	}, &out
}

func TestParseHashRequest(t *testing.T) {
	req, err := parseHashRequest([]string{"--digest", "sha512", "--encoding=sri", "--uncompressed", "in.tar.gz", "out.txt"})
	require.NoError(t, err)
	assert.Equal(t, &hashRequest{
		digest:       "sha512",
		encoding:     "sri",
		uncompressed: true,
		input:        "in.tar.gz",
		output:       "out.txt",
	}, req)

	req, err = parseHashRequest([]string{"in", "out"})
	require.NoError(t, err)
	assert.Equal(t, "sha256", req.digest)
	assert.Equal(t, "raw", req.encoding)
}

func TestParseHashRequestErrors(t *testing.T) {
	_, err := parseHashRequest([]string{"--digest", "md5", "in", "out"})
	assert.Error(t, err)
	_, err = parseHashRequest([]string{"--encoding", "base32", "in", "out"})
	assert.Error(t, err)
	_, err = parseHashRequest([]string{"in"})
	assert.Error(t, err)
	_, err = parseHashRequest([]string{"in", "out", "extra"})
	assert.Error(t, err)
}

func TestEncodeHash(t *testing.T) {
	h, _ := hex.DecodeString(helloSHA256)

	raw, err := encodeHash(h, "raw", "sha256")
	require.NoError(t, err)
	assert.Equal(t, h, raw)

	hexed, err := encodeHash(h, "hex", "sha256")
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, string(hexed))

	sri, err := encodeHash(h, "sri", "sha256")
	require.NoError(t, err)
	assert.Equal(t, "sha256-LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=", string(sri))

	oci, err := encodeHash(h, "oci-digest", "sha256")
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+helloSHA256, string(oci))

	_, err = encodeHash(h, "base32", "sha256")
	assert.Error(t, err)
}

func TestComputeHash(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hello.txt", []byte("hello"))

	h, err := computeHash(context.Background(), path, "sha256", false, false)
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, hex.EncodeToString(h))

	h, err = computeHash(context.Background(), path, "sha512", false, false)
	require.NoError(t, err)
	assert.Len(t, h, 64)

	// Plain input is hashed as-is even when decompression is requested.
	h, err = computeHash(context.Background(), path, "sha256", true, false)
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, hex.EncodeToString(h))
}

func TestComputeHashUncompressed(t *testing.T) {
	dir := t.TempDir()

	var gz bytes.Buffer
	gw := pgzip.NewWriter(&gz)
	_, err := gw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	gzPath := writeFile(t, dir, "hello.gz", gz.Bytes())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zstPath := writeFile(t, dir, "hello.zst", enc.EncodeAll([]byte("hello"), nil))
	require.NoError(t, enc.Close())

	for _, path := range []string{gzPath, zstPath} {
		h, err := computeHash(context.Background(), path, "sha256", true, false)
		require.NoError(t, err)
		assert.Equal(t, helloSHA256, hex.EncodeToString(h), path)

		compressed, err := computeHash(context.Background(), path, "sha256", false, false)
		require.NoError(t, err)
		assert.NotEqual(t, helloSHA256, hex.EncodeToString(compressed), path)
	}
}

func TestComputeHashCancelled(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hello.txt", []byte("hello"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := computeHash(ctx, path, "sha256", false, false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandleRequest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hello.txt", []byte("hello"))
	ph := newPersistentHasher(false)

	wc, out := workContext(dir, []string{"--encoding=hex", "hello.txt", "hello.sha256"})
	code, err := ph.HandleRequest(context.Background(), wc)
	require.NoError(t, err)
	assert.Equal(t, 0, code, out.String())

	got, err := os.ReadFile(filepath.Join(dir, "hello.sha256"))
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, string(got))
}

func TestHandleRequestUsesCache(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hello.txt", []byte("hello"))
	ph := newPersistentHasher(false)
	input := persistentworker.Input{Path: "hello.txt", Digest: []byte("some-digest")}

	wc, _ := workContext(dir, []string{"--encoding=hex", "hello.txt", "first"}, input)
	code, err := ph.HandleRequest(context.Background(), wc)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	// The same digest is answered from the cache without reading the file.
	require.NoError(t, os.Remove(path))
	wc, out := workContext(dir, []string{"--encoding=hex", "hello.txt", "second"}, input)
	code, err = ph.HandleRequest(context.Background(), wc)
	require.NoError(t, err)
	require.Equal(t, 0, code, out.String())
	got, err := os.ReadFile(filepath.Join(dir, "second"))
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, string(got))

	// A different algorithm has its own cache.
	wc, out = workContext(dir, []string{"--digest=sha512", "hello.txt", "third"}, input)
	code, err = ph.HandleRequest(context.Background(), wc)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "Failed to compute hash")
}

func TestHandleRequestCheatMode(t *testing.T) {
	dir := t.TempDir()
	sum := sha256.Sum256([]byte("not the file contents"))
	input := persistentworker.Input{Path: "missing.txt", Digest: []byte(hex.EncodeToString(sum[:]))}

	wc, out := workContext(dir, []string{"--encoding=hex", "missing.txt", "out"}, input)
	code, err := newPersistentHasher(true).HandleRequest(context.Background(), wc)
	require.NoError(t, err)
	require.Equal(t, 0, code, out.String())
	got, err := os.ReadFile(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), string(got))

	// Without cheat mode the file itself has to be read.
	wc, _ = workContext(dir, []string{"--encoding=hex", "missing.txt", "out"}, input)
	code, err = newPersistentHasher(false).HandleRequest(context.Background(), wc)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}

func TestHandleRequestBadArguments(t *testing.T) {
	wc, out := workContext(t.TempDir(), []string{"--digest=md5", "in", "out"})
	code, err := newPersistentHasher(false).HandleRequest(context.Background(), wc)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "Failed to parse hash request")
}

func TestTryExtractHashFromDigest(t *testing.T) {
	assert.Nil(t, tryExtractHashFromDigest([]byte("zz")))
	assert.Nil(t, tryExtractHashFromDigest([]byte("abcd")))
	h := tryExtractHashFromDigest([]byte(helloSHA256))
	assert.Equal(t, helloSHA256, hex.EncodeToString(h))
}

func TestOneShot(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "hello.txt", []byte("hello"))
	out := filepath.Join(dir, "hello.digest")
	require.NoError(t, oneShot(context.Background(), []string{"--encoding", "oci-digest", in, out}))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+helloSHA256, string(got))
}
