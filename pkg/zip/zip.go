// Package zip bundles job artifacts into a single archive download.
package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"time"
)

// File is one archive entry.
type File struct {
	Name     string
	Data     []byte
	Modified time.Time
}

// Write streams files into a zip archive on w. Entries keep their order.
func Write(w io.Writer, files []File) error {
	zw := zip.NewWriter(w)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.Name, Method: zip.Deflate, Modified: f.Modified}
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("zip: add %s: %w", f.Name, err)
		}
		if _, err := entry.Write(f.Data); err != nil {
			return fmt.Errorf("zip: write %s: %w", f.Name, err)
		}
	}
	return zw.Close()
}
