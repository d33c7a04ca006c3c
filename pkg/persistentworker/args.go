package persistentworker

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PersistentWorkerFlag is the startup flag Bazel passes to processes it launches as persistent workers.
const PersistentWorkerFlag = "--persistent_worker"

// ParseArgs processes command arguments by expanding argfiles and extracting
// the persistent_worker flag. It returns the processed argument slice and
// a boolean indicating whether the persistent_worker flag was set.
func ParseArgs(args []string) ([]string, bool, error) {
	expandedArgs, err := expandArgfiles(args)
	if err != nil {
		return nil, false, err
	}
	return extractPersistentWorkerFlag(expandedArgs)
}

// extractPersistentWorkerFlag removes --persistent_worker (or --persistent_worker=<bool>)
// and reports whether it was enabled.
func extractPersistentWorkerFlag(args []string) ([]string, bool, error) {
	isPersistentWorker := false
	result := make([]string, 0, len(args))

	for _, arg := range args {
		if arg == PersistentWorkerFlag {
			isPersistentWorker = true
			continue
		}
		if value, ok := strings.CutPrefix(arg, PersistentWorkerFlag+"="); ok {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, false, fmt.Errorf("invalid value for %s: %q", PersistentWorkerFlag, value)
			}
			isPersistentWorker = b
			continue
		}
		result = append(result, arg)
	}

	return result, isPersistentWorker, nil
}

// expandArgfiles replaces each @path/to/file argument with the arguments read from that file.
// Argfiles are not expanded recursively.
func expandArgfiles(args []string) ([]string, error) {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		argfilePath, ok := strings.CutPrefix(arg, "@")
		if !ok || argfilePath == "" {
			result = append(result, arg)
			continue
		}
		fileArgs, err := readArgfile(argfilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read argfile %s: %w", argfilePath, err)
		}
		result = append(result, fileArgs...)
	}
	return result, nil
}

// readArgfile reads arguments from a file, one per line.
// Empty lines and lines starting with # are ignored.
func readArgfile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var args []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args = append(args, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return args, nil
}
