package relay

import (
	"context"
	"fmt"
	"net"
	"strings"
	"unicode"
)

// Datagram is one parsed UDP ingestion message, ready to publish on the
// MQTT bus.
type Datagram struct {
	Topic   string
	Payload string
	Retain  bool
}

// ParseDatagram parses the UDP line grammar:
//
//	[publish|retain] <topic> <payload>
//
// The verb is optional and defaults to publish. A "{" splits the line into
// topic (before) and JSON payload (from the brace to the end). Otherwise
// the line splits on whitespace: with exactly two tokens they are topic
// and payload; with more, leading tokens are grouped into the topic as
// long as each contains a slash or sits between two slash-carrying tokens,
// and the remainder joins into the payload.
func ParseDatagram(line string) (Datagram, error) {
	msg := strings.TrimSpace(line)
	if msg == "" {
		return Datagram{}, fmt.Errorf("%w: empty message", ErrMalformedDatagram)
	}

	// The verb is delimited by any whitespace, not just a space.
	var retain bool
	first := msg
	var rest string
	if cut := strings.IndexFunc(msg, unicode.IsSpace); cut != -1 {
		first, rest = msg[:cut], msg[cut:]
	}
	switch strings.ToLower(first) {
	case "publish":
		msg = strings.TrimSpace(rest)
	case "retain":
		retain = true
		msg = strings.TrimSpace(rest)
	}
	if msg == "" {
		return Datagram{}, fmt.Errorf("%w: missing topic and payload", ErrMalformedDatagram)
	}

	// JSON payloads: everything from the first brace is payload.
	if brace := strings.IndexByte(msg, '{'); brace != -1 {
		topic := strings.TrimSpace(msg[:brace])
		payload := strings.TrimSpace(msg[brace:])
		if topic == "" || payload == "" {
			return Datagram{}, fmt.Errorf("%w: empty topic or payload", ErrMalformedDatagram)
		}
		return Datagram{Topic: topic, Payload: payload, Retain: retain}, nil
	}

	tokens := strings.Fields(msg)
	if len(tokens) < 2 {
		return Datagram{}, fmt.Errorf("%w: need topic and payload", ErrMalformedDatagram)
	}
	if len(tokens) == 2 {
		return Datagram{Topic: tokens[0], Payload: tokens[1], Retain: retain}, nil
	}

	// Greedy topic grouping: topics may contain spaces when their tokens
	// carry slashes; the last token is always payload.
	hasSlash := func(s string) bool { return strings.Contains(s, "/") }

	split := 1
	for split < len(tokens)-1 {
		current := tokens[split]
		sandwiched := hasSlash(tokens[split-1]) && hasSlash(tokens[split+1])
		if !hasSlash(current) && !sandwiched {
			break
		}
		split++
	}

	topic := strings.Join(tokens[:split], " ")
	payload := strings.Join(tokens[split:], " ")
	return Datagram{Topic: topic, Payload: payload, Retain: retain}, nil
}

// maxDatagramSize is the largest UDP payload the listener accepts.
const maxDatagramSize = 65507

// ServeUDP listens for ingestion datagrams and republishes them on the
// MQTT bus until ctx is cancelled. Each datagram is one message; malformed
// datagrams are logged and dropped without affecting the listener.
func (r *Relay) ServeUDP(ctx context.Context) error {
	port := r.Snapshot().UDP.InPort
	if port <= 0 {
		r.logger.Info("UDP ingestion disabled")
		<-ctx.Done()
		return nil
	}

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("udp listen on %d: %w", port, err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	r.logger.Info("UDP ingestion listening", "port", port)

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}

		r.handleDatagram(string(buf[:n]), addr.String())
	}
}

func (r *Relay) handleDatagram(line, from string) {
	dgram, err := ParseDatagram(line)
	if err != nil {
		r.logger.Warn("Dropping UDP datagram", "from", from, "error", err)
		return
	}

	r.logger.Debug("UDP datagram received",
		"from", from,
		"topic", dgram.Topic,
		"retain", dgram.Retain,
	)

	var pubErr error
	if dgram.Retain {
		pubErr = r.bus.PublishRetained(dgram.Topic, []byte(dgram.Payload))
	} else {
		pubErr = r.bus.Publish(dgram.Topic, []byte(dgram.Payload))
	}
	if pubErr != nil {
		r.logger.Error("UDP republish failed", "topic", dgram.Topic, "error", pubErr)
		return
	}

	r.counters.udpPublished.Inc()
}
