package tools

import (
	"path/filepath"
	"strings"
)

// sensitivePathPatterns are base-name patterns rejected for any mutating
// tool, even inside the workspace. Matching is case-insensitive.
var sensitivePathPatterns = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"id_rsa",
	"id_ed25519",
	"*.keystore",
	"credentials",
	"credentials.json",
	".netrc",
	".npmrc",
}

// sensitiveDirSegments are directory segments whose contents mutating
// tools may never touch.
var sensitiveDirSegments = []string{
	".git",
	".ssh",
	".gnupg",
	".aws",
}

// ResolveWithinRoot canonicalizes path (relative paths are joined to
// root) and verifies the result stays inside root. Traversal segments
// are resolved lexically before the containment check so "../secret"
// and absolute paths outside the root are both rejected.
func ResolveWithinRoot(root, path string) (string, error) {
	if path == "" {
		return "", &SecurityError{Path: path, Reason: "empty path"}
	}

	root = filepath.Clean(root)
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", &SecurityError{Path: path, Reason: "path escapes the workspace root"}
	}
	return resolved, nil
}

// IsSensitivePath reports whether a resolved path matches the sensitive
// patterns that mutating tools must not touch.
func IsSensitivePath(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	for _, pattern := range sensitivePathPatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		lower := strings.ToLower(segment)
		for _, dir := range sensitiveDirSegments {
			if lower == dir {
				return true
			}
		}
	}
	return false
}
