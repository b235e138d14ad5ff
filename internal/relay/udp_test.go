package relay

import (
	"errors"
	"testing"
)

func TestParseDatagram(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Datagram
		wantErr bool
	}{
		{
			name: "explicit publish",
			line: "publish topic1 message1",
			want: Datagram{Topic: "topic1", Payload: "message1"},
		},
		{
			name: "retain",
			line: "retain topic2 message2",
			want: Datagram{Topic: "topic2", Payload: "message2", Retain: true},
		},
		{
			name: "default publish without verb",
			line: "topic3 message3",
			want: Datagram{Topic: "topic3", Payload: "message3"},
		},
		{
			name: "verb is case insensitive",
			line: "RETAIN topic4 message4",
			want: Datagram{Topic: "topic4", Payload: "message4", Retain: true},
		},
		{
			name: "tab after verb",
			line: "publish\ttopic5 message5",
			want: Datagram{Topic: "topic5", Payload: "message5"},
		},
		{
			name: "retain verb followed by tab",
			line: "retain\thome/light 1",
			want: Datagram{Topic: "home/light", Payload: "1", Retain: true},
		},
		{
			name: "multi word payload",
			line: "publish topic6 message with spaces",
			want: Datagram{Topic: "topic6", Payload: "message with spaces"},
		},
		{
			name: "leading and trailing spaces",
			line: "  publish  topic8  message8  ",
			want: Datagram{Topic: "topic8", Payload: "message8"},
		},
		{
			name: "slashes survive",
			line: "publish topic/with/slashes message/with/slashes",
			want: Datagram{Topic: "topic/with/slashes", Payload: "message/with/slashes"},
		},
		{
			name: "json payload splits at brace",
			line: `home/sensor {"temp": 21.5, "hum": 40}`,
			want: Datagram{Topic: "home/sensor", Payload: `{"temp": 21.5, "hum": 40}`},
		},
		{
			name: "json payload with verb",
			line: `retain home/sensor {"on": true}`,
			want: Datagram{Topic: "home/sensor", Payload: `{"on": true}`, Retain: true},
		},
		{
			name: "sandwiched token joins the topic",
			line: "home/first floor/light on",
			want: Datagram{Topic: "home/first floor/light", Payload: "on"},
		},
		{
			name: "plain token after slashes starts the payload",
			line: "home/light bright warm white",
			want: Datagram{Topic: "home/light", Payload: "bright warm white"},
		},
		{
			name:    "single token",
			line:    "single",
			wantErr: true,
		},
		{
			name:    "empty",
			line:    "",
			wantErr: true,
		},
		{
			name:    "verb without arguments",
			line:    "publish",
			wantErr: true,
		},
		{
			name:    "json without topic",
			line:    `{"temp": 21}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDatagram(tt.line)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedDatagram) {
					t.Fatalf("error = %v, want ErrMalformedDatagram", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDatagram: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
