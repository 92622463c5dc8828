package pipeline

import (
	"path"
	"regexp"
	"strings"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ObjectKey builds "interviews/<project>/<interview>-<suffix>" with the
// project and interview IDs reduced to [a-zA-Z0-9_-].
func ObjectKey(projectID, interviewID, suffix string) string {
	return path.Join("interviews",
		unsafeKeyChars.ReplaceAllString(projectID, ""),
		unsafeKeyChars.ReplaceAllString(interviewID, "")+"-"+suffix)
}

// ExtensionFor maps a content type to a file extension.
func ExtensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "":
		return "bin"
	case strings.Contains(ct, "mp4"):
		return "mp4"
	case strings.Contains(ct, "mpeg"):
		return "mp3"
	case strings.Contains(ct, "wav"):
		return "wav"
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "plain"):
		return "txt"
	}
	if i := strings.LastIndexByte(ct, '/'); i >= 0 && i < len(ct)-1 {
		return ct[i+1:]
	}
	return "bin"
}
