package provider

import (
	"encoding/json"
	"fmt"
	"maps"
)

const DefaultImageMimeType = "image/png"

// Part is the canonical attachment shape sent upstream. Extra holds part
// fields this package does not interpret; they are sent as received.
type Part struct {
	Text       string   `json:"text,omitempty"`
	InlineData *Blob    `json:"inline_data,omitempty"`
	FileData   *FileRef `json:"file_data,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON merges Extra into the object; known fields win on a clash.
func (p Part) MarshalJSON() ([]byte, error) {
	type plain Part
	known, err := json.Marshal(plain(p))
	if err != nil || len(p.Extra) == 0 {
		return known, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	merged := maps.Clone(p.Extra)
	maps.Copy(merged, fields)
	return json.Marshal(merged)
}

type Blob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type FileRef struct {
	MimeType string `json:"mime_type,omitempty"`
	FileURI  string `json:"file_uri"`
}

// RawPart accepts both spellings clients send: camelCase and snake_case.
type RawPart struct {
	Text            string   `json:"text,omitempty"`
	InlineData      *RawBlob `json:"inlineData,omitempty"`
	InlineDataSnake *RawBlob `json:"inline_data,omitempty"`
	FileData        *RawFile `json:"fileData,omitempty"`
	FileDataSnake   *RawFile `json:"file_data,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownPartFields = []string{"text", "inlineData", "inline_data", "fileData", "file_data"}

// UnmarshalJSON decodes the known spellings and keeps everything else in Extra.
func (rp *RawPart) UnmarshalJSON(data []byte) error {
	type plain RawPart
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, k := range knownPartFields {
		delete(fields, k)
	}
	if len(fields) > 0 {
		p.Extra = fields
	}
	*rp = RawPart(p)
	return nil
}

type RawBlob struct {
	Data          string `json:"data"`
	MimeType      string `json:"mimeType,omitempty"`
	MimeTypeSnake string `json:"mime_type,omitempty"`
}

type RawFile struct {
	FileURI       string `json:"fileUri,omitempty"`
	FileURISnake  string `json:"file_uri,omitempty"`
	MimeType      string `json:"mimeType,omitempty"`
	MimeTypeSnake string `json:"mime_type,omitempty"`
}

// NormalizeParts maps client parts to the canonical shape. The input is not
// modified. Parts carrying no fields at all are dropped.
func NormalizeParts(raw []RawPart) []Part {
	out := make([]Part, 0, len(raw))
	for _, rp := range raw {
		p := Part{Text: rp.Text, Extra: maps.Clone(rp.Extra)}

		// snake_case wins when a client sends both
		switch {
		case rp.InlineDataSnake != nil:
			p.InlineData = normalizeBlob(rp.InlineDataSnake, true)
		case rp.InlineData != nil:
			p.InlineData = normalizeBlob(rp.InlineData, false)
		}

		switch {
		case rp.FileDataSnake != nil:
			p.FileData = normalizeFile(rp.FileDataSnake, true)
		case rp.FileData != nil:
			p.FileData = normalizeFile(rp.FileData, false)
		}

		if p.Text == "" && p.InlineData == nil && p.FileData == nil && len(p.Extra) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

func normalizeBlob(b *RawBlob, snake bool) *Blob {
	mime := pick(snake, b.MimeTypeSnake, b.MimeType)
	if mime == "" {
		mime = DefaultImageMimeType
	}
	return &Blob{MimeType: mime, Data: b.Data}
}

func normalizeFile(f *RawFile, snake bool) *FileRef {
	return &FileRef{
		MimeType: pick(snake, f.MimeTypeSnake, f.MimeType),
		FileURI:  pick(snake, f.FileURISnake, f.FileURI),
	}
}

// pick prefers the spelling that matches the enclosing field.
func pick(snake bool, snakeVal, camelVal string) string {
	first, second := camelVal, snakeVal
	if snake {
		first, second = snakeVal, camelVal
	}
	if first != "" {
		return first
	}
	return second
}

// ImageData returns the inline image payload of a part, if any.
func (rp RawPart) ImageData() (mime, data string, ok bool) {
	for _, b := range []*RawBlob{rp.InlineData, rp.InlineDataSnake} {
		if b == nil || b.Data == "" {
			continue
		}
		mime = b.MimeType
		if mime == "" {
			mime = b.MimeTypeSnake
		}
		if mime == "" {
			mime = DefaultImageMimeType
		}
		return mime, b.Data, true
	}
	return "", "", false
}

// DataURI formats an inline payload as data:<mime>;base64,<payload>.
func DataURI(mime, data string) string {
	return fmt.Sprintf("data:%s;base64,%s", mime, data)
}
