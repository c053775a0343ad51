package httpapi

import (
	"encoding/base64"
	"testing"

	minitime "github.com/minitime/minitime"
)

func TestBuildContentPlain(t *testing.T) {
	content, err := buildContent("just text", nil)
	if err != nil {
		t.Fatal(err)
	}
	if content.IsMultipart() || content.Text != "just text" {
		t.Errorf("content = %+v", content)
	}
}

func TestBuildContentImage(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString([]byte("fakepng"))

	t.Run("bare base64 gets a data URI prefix", func(t *testing.T) {
		content, err := buildContent("look", []Attachment{{Type: "image", Data: b64, Format: "jpeg"}})
		if err != nil {
			t.Fatal(err)
		}
		if !content.IsMultipart() || len(content.Parts) != 2 {
			t.Fatalf("parts = %+v", content.Parts)
		}
		img := content.Parts[1]
		if img.Kind != minitime.PartImage {
			t.Errorf("kind = %v", img.Kind)
		}
		if want := "data:image/jpeg;base64," + b64; img.DataURI != want {
			t.Errorf("uri = %q", img.DataURI)
		}
	})

	t.Run("existing data URI passes through", func(t *testing.T) {
		uri := "data:image/png;base64," + b64
		content, err := buildContent("", []Attachment{{Type: "image", Data: uri}})
		if err != nil {
			t.Fatal(err)
		}
		if content.Parts[0].DataURI != uri {
			t.Errorf("uri = %q", content.Parts[0].DataURI)
		}
	})

	t.Run("format defaults to png", func(t *testing.T) {
		content, _ := buildContent("", []Attachment{{Type: "image", Data: b64}})
		if got := content.Parts[0].DataURI; got != "data:image/png;base64,"+b64 {
			t.Errorf("uri = %q", got)
		}
	})
}

func TestBuildContentAudio(t *testing.T) {
	raw := []byte("fake audio bytes")
	b64 := base64.StdEncoding.EncodeToString(raw)

	content, err := buildContent("", []Attachment{{Type: "audio", Data: "data:audio/wav;base64," + b64, Format: "wav"}})
	if err != nil {
		t.Fatal(err)
	}
	part := content.Parts[0]
	if part.Kind != minitime.PartAudio || string(part.Data) != string(raw) || part.Format != "wav" {
		t.Errorf("part = %+v", part)
	}

	content, _ = buildContent("", []Attachment{{Type: "audio", Data: b64}})
	if content.Parts[0].Format != "mp3" {
		t.Errorf("format = %q, want the mp3 default", content.Parts[0].Format)
	}
}

func TestBuildContentTextFile(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString([]byte("line one\nline two"))
	content, err := buildContent("see attached", []Attachment{{Type: "file", Data: b64, Name: "notes.txt"}})
	if err != nil {
		t.Fatal(err)
	}
	part := content.Parts[1]
	if part.Kind != minitime.PartFile || part.Name != "notes.txt" {
		t.Errorf("part = %+v", part)
	}
	if part.Text != "line one\nline two" {
		t.Errorf("text = %q", part.Text)
	}
}

func TestBuildContentErrors(t *testing.T) {
	if _, err := buildContent("", []Attachment{{Type: "hologram", Data: "x"}}); err == nil {
		t.Error("unknown type should fail")
	}
	if _, err := buildContent("", []Attachment{{Type: "audio", Data: "not base64!!"}}); err == nil {
		t.Error("bad base64 should fail")
	}
	if _, err := buildContent("", []Attachment{{Type: "file", Data: "%%%", Name: "x.bin"}}); err == nil {
		t.Error("bad file data should fail")
	}
}
