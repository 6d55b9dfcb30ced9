// Package attachment models immutable file attachments and their
// conversion to agent transport blocks.
package attachment

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Type categorizes an attachment source.
type Type string

const (
	TypeImage      Type = "image"
	TypeDocument   Type = "document"
	TypeScreenshot Type = "screenshot"
)

// Attachment is an immutable value constructed from a file, clipboard, or
// screen-capture source.
type Attachment struct {
	ID       string
	Type     Type
	FileName string
	Data     []byte
	MIMEType string
}

var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// textExtensions are source formats sent inline rather than base64-encoded.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".go": true, ".py": true, ".js": true,
	".ts": true, ".swift": true, ".rs": true, ".java": true, ".rb": true,
	".sh": true, ".yaml": true, ".yml": true, ".json": true, ".toml": true,
	".sql": true, ".html": true, ".css": true, ".c": true, ".h": true,
	".cpp": true, ".log": true,
}

// Load reads the file at path into an attachment, inferring type and MIME
// from the extension.
func Load(path string) (*Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}

	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(path))

	a := &Attachment{
		ID:       uuid.New().String(),
		FileName: name,
		Data:     data,
	}
	switch {
	case imageMIMETypes[ext] != "":
		a.Type = TypeImage
		a.MIMEType = imageMIMETypes[ext]
		if strings.Contains(strings.ToLower(name), "screenshot") {
			a.Type = TypeScreenshot
		}
	case ext == ".pdf":
		a.Type = TypeDocument
		a.MIMEType = "application/pdf"
	default:
		a.Type = TypeDocument
		a.MIMEType = "text/plain"
	}
	return a, nil
}

// LoadAll loads every path, skipping entries that fail; the caller decides
// whether missing attachments are fatal.
func LoadAll(paths []string) ([]*Attachment, []error) {
	var out []*Attachment
	var errs []error
	for _, p := range paths {
		a, err := Load(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, a)
	}
	return out, errs
}

// BlockType tags the transport shape of a block.
type BlockType string

const (
	BlockImage    BlockType = "image"
	BlockDocument BlockType = "document"
	BlockText     BlockType = "text"
)

// Block is the wire shape handed to an agent session. Binary payloads are
// base64-encoded; textual files travel inline.
type Block struct {
	Type      BlockType `json:"type"`
	MediaType string    `json:"media_type,omitempty"`
	Data      string    `json:"data,omitempty"`
	Text      string    `json:"text,omitempty"`
}

// ToBlock converts the attachment to its transport block. Images and
// screenshots become base64 image blocks, PDFs become base64 document
// blocks, and textual files become delimited inline text blocks.
func (a *Attachment) ToBlock() Block {
	switch a.Type {
	case TypeImage, TypeScreenshot:
		return Block{
			Type:      BlockImage,
			MediaType: a.MIMEType,
			Data:      base64.StdEncoding.EncodeToString(a.Data),
		}
	case TypeDocument:
		if a.MIMEType == "application/pdf" {
			return Block{
				Type:      BlockDocument,
				MediaType: a.MIMEType,
				Data:      base64.StdEncoding.EncodeToString(a.Data),
			}
		}
	}
	return Block{
		Type: BlockText,
		Text: fmt.Sprintf("--- %s ---\n%s\n--- end %s ---", a.FileName, string(a.Data), a.FileName),
	}
}

// IsTextual reports whether an extension is sent inline.
func IsTextual(path string) bool {
	return textExtensions[strings.ToLower(filepath.Ext(path))]
}
