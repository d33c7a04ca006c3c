package hash

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bazel-contrib/rules_worker/worker_tool/pkg/persistentworker"
)

// cacheKey identifies a hash result by the digest Bazel reported for the input.
type cacheKey struct {
	inputDigest  string
	uncompressed bool
}

type persistentHasher struct {
	sha256Cache map[cacheKey][]byte
	sha256Mutex sync.RWMutex
	sha512Cache map[cacheKey][]byte
	sha512Mutex sync.RWMutex
	cheatMode   bool
}

func newPersistentHasher(cheatMode bool) *persistentHasher {
	return &persistentHasher{
		sha256Cache: make(map[cacheKey][]byte),
		sha512Cache: make(map[cacheKey][]byte),
		cheatMode:   cheatMode,
	}
}

// tryExtractHashFromDigest attempts to extract a SHA256 hash from Bazel's digest,
// which is the hex encoding of the file's hash.
// Returns the hash bytes if successful (must be 32 bytes), nil otherwise.
func tryExtractHashFromDigest(d []byte) []byte {
	decoded, err := hex.DecodeString(string(d))
	if err != nil || len(decoded) != 32 {
		return nil
	}
	return decoded
}

func (ph *persistentHasher) lookup(alg string, key cacheKey) ([]byte, bool) {
	switch alg {
	case "sha256":
		ph.sha256Mutex.RLock()
		defer ph.sha256Mutex.RUnlock()
		h, ok := ph.sha256Cache[key]
		return h, ok
	case "sha512":
		ph.sha512Mutex.RLock()
		defer ph.sha512Mutex.RUnlock()
		h, ok := ph.sha512Cache[key]
		return h, ok
	}
	return nil, false
}

func (ph *persistentHasher) store(alg string, key cacheKey, h []byte) {
	switch alg {
	case "sha256":
		ph.sha256Mutex.Lock()
		ph.sha256Cache[key] = h
		ph.sha256Mutex.Unlock()
	case "sha512":
		ph.sha512Mutex.Lock()
		ph.sha512Cache[key] = h
		ph.sha512Mutex.Unlock()
	}
}

// HandleRequest hashes the input named by a single work request.
func (ph *persistentHasher) HandleRequest(ctx context.Context, wc *persistentworker.WorkContext) (int, error) {
	hashReq, err := parseHashRequest(wc.Arguments)
	if err != nil {
		fmt.Fprintf(wc.Output, "Failed to parse hash request: %v", err)
		return 1, nil
	}

	// Find the input in the inputs list to get its digest
	var inputDigest []byte
	for _, input := range wc.Inputs {
		if input.Path == hashReq.input {
			inputDigest = input.Digest
			break
		}
	}

	hashReq.input = resolve(wc.BaseDir, hashReq.input)
	hashReq.output = resolve(wc.BaseDir, hashReq.output)

	if ph.cheatMode && len(inputDigest) > 0 && hashReq.digest == "sha256" && !hashReq.uncompressed {
		if hashBytes := tryExtractHashFromDigest(inputDigest); hashBytes != nil {
			if wc.Verbosity > 1 {
				log.Debug("[request %d] Cheat mode: extracted hash from digest %s", wc.RequestID, inputDigest)
			}
			wc.Span.SetAttributes(attribute.String("hash.source", "digest"))
			return ph.write(wc, hashBytes, hashReq)
		}
		if wc.Verbosity > 1 {
			log.Debug("[request %d] Cheat mode: failed to extract hash from digest, falling back to normal hashing", wc.RequestID)
		}
	}

	key := cacheKey{inputDigest: string(inputDigest), uncompressed: hashReq.uncompressed}
	if len(inputDigest) > 0 {
		if cached, ok := ph.lookup(hashReq.digest, key); ok {
			if wc.Verbosity > 1 {
				log.Debug("[request %d] Cache hit for input %s (digest: %s)", wc.RequestID, hashReq.input, inputDigest)
			}
			wc.Span.SetAttributes(attribute.String("hash.source", "cache"))
			return ph.write(wc, cached, hashReq)
		}
	}

	if wc.Verbosity > 1 {
		log.Debug("[request %d] Computing hash for input %s", wc.RequestID, hashReq.input)
	}
	wc.Span.SetAttributes(attribute.String("hash.source", "file"))
	hashBytes, err := computeHash(ctx, hashReq.input, hashReq.digest, hashReq.uncompressed, false)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		fmt.Fprintf(wc.Output, "Failed to compute hash: %v", err)
		return 1, nil
	}
	if len(inputDigest) > 0 {
		ph.store(hashReq.digest, key, hashBytes)
	}
	return ph.write(wc, hashBytes, hashReq)
}

func (ph *persistentHasher) write(wc *persistentworker.WorkContext, hashBytes []byte, req *hashRequest) (int, error) {
	if err := writeHashOutput(hashBytes, req); err != nil {
		fmt.Fprintf(wc.Output, "Failed to write output: %v", err)
		return 1, nil
	}
	return 0, nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
