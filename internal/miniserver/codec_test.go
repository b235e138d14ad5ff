package miniserver

import (
	"errors"
	"testing"
)

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		want    Header
		wantErr bool
	}{
		{
			name: "text frame",
			buf:  []byte{0x03, 0x00, 0x00, 0x00, 0x2a, 0x00, 0x00, 0x00},
			want: Header{Type: FrameText, Length: 42},
		},
		{
			name: "keepalive",
			buf:  []byte{0x03, 0x06, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			want: Header{Type: FrameKeepalive},
		},
		{
			name: "estimated length flag",
			buf:  []byte{0x03, 0x02, 0x80, 0x00, 0x10, 0x00, 0x00, 0x00},
			want: Header{Type: FrameValueEvents, Info: 0x80, Length: 16},
		},
		{
			name: "little endian length",
			buf:  []byte{0x03, 0x00, 0x00, 0x00, 0x01, 0x02, 0x00, 0x00},
			want: Header{Type: FrameText, Length: 0x0201},
		},
		{
			name:    "short buffer",
			buf:     []byte{0x03, 0x00, 0x00},
			wantErr: true,
		},
		{
			name:    "bad magic",
			buf:     []byte{0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			wantErr: true,
		},
		{
			name:    "unknown frame type",
			buf:     []byte{0x03, 0x09, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeHeader(tt.buf)
			if tt.wantErr {
				if !errors.Is(err, ErrFrameDecode) {
					t.Fatalf("error = %v, want ErrFrameDecode", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeHeader: %v", err)
			}
			if got != tt.want {
				t.Errorf("header = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	want := Header{Type: FrameTextEvents, Info: 0x80, Length: 12345}

	got, err := decodeHeader(encodeHeader(want))
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
	if !got.Estimated() {
		t.Error("Estimated() = false, want true")
	}
}

func TestParseLL(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode int
		wantErr  bool
	}{
		{"numeric code", `{"LL":{"control":"x","value":"1","Code":200}}`, 200, false},
		{"string code", `{"LL":{"control":"x","value":"1","Code":"200"}}`, 200, false},
		{"lowercase key", `{"LL":{"control":"x","value":"1","code":"401"}}`, 401, false},
		{"missing code", `{"LL":{"control":"x","value":"1"}}`, 0, false},
		{"not json", `garbage`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := parseLL([]byte(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, ErrFrameDecode) {
					t.Fatalf("error = %v, want ErrFrameDecode", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseLL: %v", err)
			}
			if reply.code != tt.wantCode {
				t.Errorf("code = %d, want %d", reply.code, tt.wantCode)
			}
		})
	}
}
