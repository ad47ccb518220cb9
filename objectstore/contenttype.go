package objectstore

import (
	"path/filepath"
	"strings"
)

// contentTypeByExt is the content-type default table from spec §6.
var contentTypeByExt = map[string]string{
	".fcstd": "application/zip",
	".step":  "model/step",
	".stp":   "model/step",
	".stl":   "model/stl",
	".glb":   "model/gltf-binary",
	".nc":    "text/plain; charset=utf-8",
	".tap":   "text/plain; charset=utf-8",
	".gcode": "text/plain; charset=utf-8",
	".json":  "application/json",
	".pdf":   "application/pdf",
}

// inlineDispositionExt is the set of extensions served inline; everything
// else (CAD and G-code extensions) is served as an attachment.
var inlineDispositionExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".mp4": true,
	".pdf": true, ".txt": true, ".json": true,
}

// DefaultContentType returns the content-type default for key's extension,
// or "application/octet-stream" if unknown.
func DefaultContentType(key string) string {
	ext := strings.ToLower(filepath.Ext(key))
	if ct, ok := contentTypeByExt[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// DefaultContentDisposition returns "inline" or "attachment" for key's
// extension per spec §6.
func DefaultContentDisposition(key string) string {
	ext := strings.ToLower(filepath.Ext(key))
	if inlineDispositionExt[ext] {
		return "inline"
	}
	return "attachment"
}
