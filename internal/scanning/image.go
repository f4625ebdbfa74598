package scanning

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// imageFormats maps stored extensions to the format suffix of the MIME type.
var imageFormats = map[string]string{
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".png":  "png",
	".webp": "webp",
}

// readImage loads an image and reports its format from the extension,
// falling back to jpeg.
func readImage(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading image: %w", err)
	}
	format, ok := imageFormats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		format = "jpeg"
	}
	return data, format, nil
}
