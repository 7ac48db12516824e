package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-chunkupload/resume"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
)

const manifestSuffix = ".manifest.json"

// evaluatePaths expands the glob patterns of paths and returns the absolute path of every regular file.
func evaluatePaths(paths []string, logger log.Logger) ([]string, error) {
	var expandedPaths []string
	for _, path := range paths {
		if !strings.ContainsAny(path, "*?[{") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(filepath.ToSlash(path))
		absBase, err := filepath.Abs(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern '%s': %w", path, err)
		}
		if len(matches) == 0 {
			logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, filepath.FromSlash(match)))
		}
	}

	seen := map[string]bool{}
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}
		if seen[absPath] || isSidecar(absPath) {
			continue
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("upload path %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			logger.Debugf("Skipping %s, not a regular file", path)
			continue
		}

		seen[absPath] = true
		finalPaths = append(finalPaths, absPath)
	}

	sort.Strings(finalPaths)
	return finalPaths, nil
}

func isSidecar(path string) bool {
	return strings.HasSuffix(path, manifestSuffix) || resume.IsStateFile(path)
}
