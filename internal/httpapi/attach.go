package httpapi

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	minitime "github.com/minitime/minitime"
)

// Attachment is one uploaded item accompanying a message.
type Attachment struct {
	// Type is "image", "audio" or "file".
	Type string `json:"type"`
	// Data is base64 content, with or without a data-URI prefix.
	Data   string `json:"data"`
	Name   string `json:"name,omitempty"`
	Format string `json:"format,omitempty"`
}

// fileUpload is one entry of the files list.
type fileUpload struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// audioUpload is one entry of the audios list.
type audioUpload struct {
	Data   string `json:"data"`
	Format string `json:"format,omitempty"`
}

// attachments flattens the request's upload lists into the common
// attachment form, images first, then files, then audio.
func (req askRequest) attachments() []Attachment {
	var atts []Attachment
	for _, data := range req.Images {
		atts = append(atts, Attachment{Type: "image", Data: data})
	}
	for _, f := range req.Files {
		atts = append(atts, Attachment{Type: "file", Data: f.Data, Name: f.Name})
	}
	for _, a := range req.Audios {
		atts = append(atts, Attachment{Type: "audio", Data: a.Data, Format: a.Format})
	}
	return atts
}

// buildContent assembles message content from text plus attachments.
// Images stay inline as data URIs, audio as raw bytes, PDFs get their
// text extracted, and other files are carried as text.
func buildContent(text string, attachments []Attachment) (minitime.Content, error) {
	if len(attachments) == 0 {
		return minitime.Plain(text), nil
	}

	parts := []minitime.Part{}
	if text != "" {
		parts = append(parts, minitime.Part{Kind: minitime.PartText, Text: text})
	}
	for i, att := range attachments {
		part, err := buildPart(att)
		if err != nil {
			return minitime.Content{}, fmt.Errorf("attachment %d: %w", i, err)
		}
		parts = append(parts, part)
	}
	return minitime.Multipart(parts...), nil
}

func buildPart(att Attachment) (minitime.Part, error) {
	switch att.Type {
	case "image":
		uri := att.Data
		if !strings.HasPrefix(uri, "data:") {
			format := att.Format
			if format == "" {
				format = "png"
			}
			uri = "data:image/" + format + ";base64," + uri
		}
		return minitime.Part{Kind: minitime.PartImage, DataURI: uri}, nil

	case "audio":
		raw, err := decodeBase64(att.Data)
		if err != nil {
			return minitime.Part{}, err
		}
		format := att.Format
		if format == "" {
			format = "mp3"
		}
		return minitime.Part{Kind: minitime.PartAudio, Data: raw, Format: format}, nil

	case "file":
		raw, err := decodeBase64(att.Data)
		if err != nil {
			return minitime.Part{}, err
		}
		text, err := extractFileText(att.Name, raw)
		if err != nil {
			return minitime.Part{}, err
		}
		return minitime.Part{Kind: minitime.PartFile, Name: att.Name, Text: text}, nil

	default:
		return minitime.Part{}, fmt.Errorf("unknown attachment type %q", att.Type)
	}
}

// decodeBase64 strips any data-URI prefix and decodes.
func decodeBase64(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 {
		s = s[i+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return raw, nil
}

// extractFileText turns an uploaded file into prompt text. PDFs are
// parsed; everything else is treated as UTF-8 text.
func extractFileText(name string, raw []byte) (string, error) {
	if strings.HasSuffix(strings.ToLower(name), ".pdf") {
		return extractPDFText(raw)
	}
	return string(raw), nil
}

func extractPDFText(raw []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}
	r, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, r); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return sb.String(), nil
}
