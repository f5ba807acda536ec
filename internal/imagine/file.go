package imagine

import (
	"net/http"
	"os"
	"strings"
)

// ReadImageFile loads a borrowed image file from disk. The MIME hint wins
// when it names an image type; otherwise the content is sniffed.
func ReadImageFile(path, mimeHint string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return data, DetectMIME(data, mimeHint), nil
}

// DetectMIME picks the most trustworthy MIME type for image bytes: the hint
// when it already names an image type, content sniffing otherwise.
func DetectMIME(data []byte, mimeHint string) string {
	hint := strings.ToLower(strings.TrimSpace(mimeHint))
	if i := strings.Index(hint, ";"); i >= 0 {
		hint = strings.TrimSpace(hint[:i])
	}
	if strings.HasPrefix(hint, "image/") {
		return hint
	}
	sniffed := http.DetectContentType(data)
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return "image/png"
}
