// Package probe classifies cached content from a bounded prefix of its
// bytes: MIME type plus pixel dimensions for the image formats we decode.
package probe

import (
	"bytes"
	"image"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// SniffLen is the number of leading bytes the probe needs. It covers the
// magic numbers and headers of every format the sniffer recognises.
const SniffLen = 3072

// FallbackMIME is used when sniffing gives nothing usable.
const FallbackMIME = "application/octet-stream"

// Metadata describes probed content.
type Metadata struct {
	MIME   string
	Width  *int
	Height *int
}

// IsImage reports whether the probed content is an image.
func (m Metadata) IsImage() bool {
	return strings.HasPrefix(m.MIME, "image/")
}

// Classify sniffs the MIME type from a content prefix and, for images,
// attempts to decode the dimensions. Dimension decoding is best effort:
// a truncated or exotic header leaves Width and Height nil.
func Classify(prefix []byte) Metadata {
	if len(prefix) == 0 {
		return Metadata{MIME: FallbackMIME}
	}

	m := Metadata{MIME: mimetype.Detect(prefix).String()}

	// mimetype appends parameters to text types (e.g. "; charset=utf-8");
	// the index stores the bare media type.
	if base, _, found := strings.Cut(m.MIME, ";"); found {
		m.MIME = strings.TrimSpace(base)
	}
	if m.MIME == "" {
		m.MIME = FallbackMIME
	}

	if m.IsImage() {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(prefix)); err == nil {
			w, h := cfg.Width, cfg.Height
			m.Width = &w
			m.Height = &h
		}
	}

	return m
}
