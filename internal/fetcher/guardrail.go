package fetcher

import (
	"path"
	"strings"
)

// blockedExtensions are file types no evaluation stage may observe: binary
// media, archives, office documents, and raw data dumps.
var blockedExtensions = map[string]struct{}{
	// Images.
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {},
	".svg": {}, ".ico": {}, ".webp": {}, ".tiff": {},
	// Audio.
	".mp3": {}, ".wav": {}, ".flac": {}, ".ogg": {}, ".m4a": {},
	// Video.
	".mp4": {}, ".avi": {}, ".mov": {}, ".mkv": {}, ".webm": {},
	// Archives.
	".zip": {}, ".tar": {}, ".gz": {}, ".tgz": {}, ".rar": {},
	".7z": {}, ".bz2": {}, ".xz": {},
	// Office documents.
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".ppt": {}, ".pptx": {},
	// Data dumps.
	".csv": {},
}

// allowedJSONBasenames is the small allow-set of JSON files that carry
// structural signal rather than data.
var allowedJSONBasenames = map[string]struct{}{
	"package.json":    {},
	"tsconfig.json":   {},
	"components.json": {},
	"dashboard.json":  {},
}

// Allowed reports whether a path survives the guardrail filter.
func Allowed(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		if seg == ".." || seg == "" {
			return false
		}
		// Directory segments only; a file named "logs" is fine.
		if i < len(segs)-1 && strings.EqualFold(seg, "logs") {
			return false
		}
	}
	base := strings.ToLower(path.Base(p))
	ext := strings.ToLower(path.Ext(p))
	if ext == ".json" {
		_, ok := allowedJSONBasenames[base]
		return ok
	}
	_, blocked := blockedExtensions[ext]
	return !blocked
}

// ApplyGuardrail filters a listing down to the paths downstream stages may
// see, preserving order.
func ApplyGuardrail(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if Allowed(p) {
			out = append(out, p)
		}
	}
	return out
}
