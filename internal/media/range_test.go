package media

import (
	"bytes"
	"errors"
	"net/http"
	"testing"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestRespondPartialContent(t *testing.T) {
	data := payload(1000)

	resp, err := Respond(data, "video/mp4", "bytes=200-299")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Status != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", resp.Status)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 200-299/1000" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := resp.Header.Get("Content-Length"); got != "100" {
		t.Errorf("Content-Length = %q", got)
	}
	if got := resp.Header.Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
	if !bytes.Equal(resp.Body, data[200:300]) {
		t.Error("body is not bytes[200..299]")
	}
}

func TestRespondOutOfBounds(t *testing.T) {
	_, err := Respond(payload(1000), "video/mp4", "bytes=900-999999")
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestRespondRejectsSignedBounds(t *testing.T) {
	for _, h := range []string{"bytes=+200-299", "bytes=200-+299", "bytes=2 00-299"} {
		if _, err := Respond(payload(1000), "video/mp4", h); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("%s: expected ErrInvalidRange, got %v", h, err)
		}
	}
}

func TestRespondWithoutRange(t *testing.T) {
	data := payload(1000)
	resp, err := Respond(data, "video/mp4", "")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Status != http.StatusOK || len(resp.Body) != 1000 {
		t.Errorf("status = %d, body = %d bytes", resp.Status, len(resp.Body))
	}
	if got := resp.Header.Get("Content-Length"); got != "1000" {
		t.Errorf("Content-Length = %q", got)
	}
}

func TestRespondIgnoresRangeForOtherTypes(t *testing.T) {
	for _, mt := range []string{"image/png", "application/pdf", "application/zip", "text/plain"} {
		resp, err := Respond(payload(50), mt, "bytes=0-9")
		if err != nil {
			t.Fatalf("%s: %v", mt, err)
		}
		if resp.Status != http.StatusOK || len(resp.Body) != 50 {
			t.Errorf("%s: status = %d, body = %d bytes", mt, resp.Status, len(resp.Body))
		}
		if resp.Header.Get("Content-Range") != "" {
			t.Errorf("%s: unexpected Content-Range", mt)
		}
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header     string
		start, end int64
		wantErr    bool
	}{
		{"bytes=0-0", 0, 0, false},
		{"bytes=10-", 10, 99, false},
		{"bytes=-49", 0, 49, false},
		{"bytes=-", 0, 99, false},
		{"bytes=0-99", 0, 99, false},
		{"bytes=0-100", 0, 0, true},
		{"bytes=50-40", 0, 0, true},
		{"bytes=a-10", 0, 0, true},
		{"bytes=+20-29", 0, 0, true},
		{"bytes=20-+29", 0, 0, true},
		{"bytes=2 0-29", 0, 0, true},
		{"bytes=99999999999999999999-", 0, 0, true},
		{"bytes=1-2,5-6", 0, 0, true},
		{"items=0-10", 0, 0, true},
	}
	for _, tt := range tests {
		start, end, err := ParseRange(tt.header, 100)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidRange) {
				t.Errorf("ParseRange(%q): expected ErrInvalidRange, got %v", tt.header, err)
			}
			continue
		}
		if err != nil || start != tt.start || end != tt.end {
			t.Errorf("ParseRange(%q) = %d, %d, %v; want %d, %d", tt.header, start, end, err, tt.start, tt.end)
		}
	}
}

func TestDisposition(t *testing.T) {
	tests := []struct {
		mime  string
		name  string
		force bool
		want  string
	}{
		{"image/png", "a.png", false, `inline; filename=a.png`},
		{"application/pdf", "doc.pdf", false, `inline; filename=doc.pdf`},
		{"text/html; charset=utf-8", "p.html", false, `inline; filename=p.html`},
		{"application/zip", "a.zip", false, `attachment; filename=a.zip`},
		{"application/zip", "a.zip", true, `inline; filename=a.zip`},
		{"text/csv", "my report.csv", false, `attachment; filename="my report.csv"`},
		{"text/plain", "naïve.txt", false, `inline; filename*=utf-8''na%C3%AFve.txt`},
	}
	for _, tt := range tests {
		if got := Disposition(tt.mime, tt.name, tt.force); got != tt.want {
			t.Errorf("Disposition(%q, %q, %v) = %q, want %q", tt.mime, tt.name, tt.force, got, tt.want)
		}
	}
}
