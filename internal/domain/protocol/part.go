package protocol

import "errors"

// Part is a tagged union: exactly one of Text, File, or Data is set.
// The JSON encoding keeps the variants as distinct keys, mirroring the
// protobuf oneof on the gRPC surface.
type Part struct {
	Text *TextPart `json:"text,omitempty"`
	File *FilePart `json:"file,omitempty"`
	Data *DataPart `json:"data,omitempty"`
}

// TextPart carries plain text, optionally with precomputed embeddings.
type TextPart struct {
	Text       string    `json:"text"`
	Embeddings []float64 `json:"embeddings,omitempty"`
}

// FilePart references an uploaded file by id.
type FilePart struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
}

// DataPart carries inline binary content.
type DataPart struct {
	MimeType string `json:"mime_type"`
	Bytes    []byte `json:"bytes"`
}

// TextOf is a convenience constructor for a text part.
func TextOf(s string) Part {
	return Part{Text: &TextPart{Text: s}}
}

// Validate enforces the exactly-one-variant invariant.
func (p *Part) Validate() error {
	n := 0
	if p.Text != nil {
		n++
	}
	if p.File != nil {
		n++
	}
	if p.Data != nil {
		n++
	}
	if n != 1 {
		return errors.New("part must carry exactly one of text, file, or data")
	}
	if p.File != nil && p.File.FileID == "" {
		return errors.New("file part requires file_id")
	}
	if p.Data != nil && p.Data.MimeType == "" {
		return errors.New("data part requires mime_type")
	}
	return nil
}

// MimeType reports the MIME type the part carries; text parts are
// "text/plain".
func (p *Part) MimeType() string {
	switch {
	case p.Text != nil:
		return "text/plain"
	case p.File != nil:
		return p.File.MimeType
	case p.Data != nil:
		return p.Data.MimeType
	}
	return ""
}
