package miniserver

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Session
// ============================================================================

// session is one established WebSocket session: the connection, its AES
// crypto, the bearer token and the channels fed by the read loop.
type session struct {
	ws     *websocket.Conn
	crypto *sessionCrypto
	token  Token

	frames chan textFrame
	pongs  chan struct{}
	errc   chan error
}

type textFrame struct {
	header  Header
	payload []byte
}

func (s *session) close() {
	s.ws.Close()
}

// handshake performs the Loxone crypto handshake and returns an
// authenticated session: fetch the RSA public key over HTTP, dial the
// WebSocket, exchange the AES session key, hash the credentials against
// the server key and salt from getkey2, and acquire a JWT bearer token.
func (c *Connector) handshake(ctx context.Context) (*session, error) {
	pub, err := c.fetchPublicKey(ctx)
	if err != nil {
		return nil, err
	}

	crypto, err := newSessionCrypto()
	if err != nil {
		return nil, err
	}

	scheme := "ws"
	if c.cfg.Port == 443 {
		scheme = "wss"
	}
	wsURL := fmt.Sprintf("%s://%s/ws/rfc6455", scheme, targetAddr(c.cfg, c.dbg))

	ws, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrHandshakeFailed, wsURL, err)
	}

	sess := &session{
		ws:     ws,
		crypto: crypto,
		frames: make(chan textFrame, 8),
		pongs:  make(chan struct{}, 1),
		errc:   make(chan error, 1),
	}

	if err := c.authenticate(sess, pub); err != nil {
		ws.Close()
		return nil, err
	}

	return sess, nil
}

// authenticate runs the handshake command sequence over a freshly dialled
// socket. Reads are synchronous here; the read loop only starts once the
// session is authenticated.
func (c *Connector) authenticate(sess *session, pub *rsa.PublicKey) error {
	// Key exchange: hand the Miniserver our AES session key, RSA-encrypted.
	sessionKey, err := sess.crypto.sessionKey(pub)
	if err != nil {
		return err
	}
	if _, err := sess.roundTrip("jdev/sys/keyexchange/"+sessionKey, false); err != nil {
		return fmt.Errorf("%w: key exchange: %w", ErrHandshakeFailed, err)
	}

	c.setState(StateAuthenticated)

	// Server key and user salt for the credential hash.
	keyReply, err := sess.roundTrip("jdev/sys/getkey2/"+c.cfg.User, true)
	if err != nil {
		return fmt.Errorf("%w: getkey2: %w", ErrHandshakeFailed, err)
	}

	var keyInfo struct {
		Key     string `json:"key"`
		Salt    string `json:"salt"`
		HashAlg string `json:"hashAlg"`
	}
	if err := json.Unmarshal(keyReply.value, &keyInfo); err != nil {
		return fmt.Errorf("%w: getkey2 payload: %w", ErrHandshakeFailed, err)
	}

	hash, err := hashCredentials(c.cfg.User, c.cfg.Pass, keyInfo.Salt, keyInfo.Key, keyInfo.HashAlg)
	if err != nil {
		return err
	}

	// Token acquisition. A 401 here means the credentials are wrong, not
	// the transport.
	getJWT := fmt.Sprintf("jdev/sys/getjwt/%s/%s/%d/%s/%s",
		hash, c.cfg.User, tokenPermission, c.clientID, "loxrelay")
	tokenReply, err := sess.roundTrip(getJWT, true)
	if err != nil {
		return fmt.Errorf("%w: getjwt: %w", ErrHandshakeFailed, err)
	}
	if isAuthCode(tokenReply.code) {
		return fmt.Errorf("%w: getjwt returned %d", ErrAuthFailed, tokenReply.code)
	}

	var tokenInfo struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(tokenReply.value, &tokenInfo); err != nil {
		return fmt.Errorf("%w: getjwt payload: %w", ErrHandshakeFailed, err)
	}

	token, err := parseToken(tokenInfo.Token)
	if err != nil {
		return err
	}
	sess.token = token

	return nil
}

// fetchPublicKey retrieves the Miniserver's RSA public key over plain HTTP.
// This is the only pre-crypto exchange in the protocol.
func (c *Connector) fetchPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	scheme := "http"
	if c.cfg.Port == 443 {
		scheme = "https"
	}
	target := fmt.Sprintf("%s://%s/jdev/sys/getPublicKey", scheme, targetAddr(c.cfg, c.dbg))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch public key: %w", ErrHandshakeFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: read public key: %w", ErrHandshakeFailed, err)
	}

	reply, err := parseLL(body)
	if err != nil {
		return nil, fmt.Errorf("%w: public key reply: %w", ErrHandshakeFailed, err)
	}

	var pemText string
	if err := json.Unmarshal(reply.value, &pemText); err != nil {
		return nil, fmt.Errorf("%w: public key payload: %w", ErrHandshakeFailed, err)
	}

	return parsePublicKey(pemText)
}

// ============================================================================
// Serve loop
// ============================================================================

// serve owns an authenticated session until it dies or ctx is cancelled:
// keepalives every 30 seconds, token refresh ahead of expiry, and forward
// command dispatch. Commands are serialised, one outstanding at a time, so
// replies match requests by ordering.
func (c *Connector) serve(ctx context.Context, sess *session) error {
	go c.readLoop(sess)

	keepalive := time.NewTicker(c.keepaliveEvery)
	defer keepalive.Stop()

	margin := c.cfg.TokenRefreshMargin
	if margin <= 0 {
		margin = defaultTokenMargin
	}
	refresh := time.NewTimer(time.Until(sess.token.refreshAt(margin, time.Now())))
	defer refresh.Stop()

	missedPongs := 0

	for {
		select {
		case <-ctx.Done():
			sess.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case err := <-sess.errc:
			return err

		case <-sess.pongs:
			missedPongs = 0

		case <-keepalive.C:
			missedPongs++
			if missedPongs > maxMissedPongs {
				return fmt.Errorf("%w: %d keepalives unanswered", ErrKeepaliveTimeout, missedPongs-1)
			}
			if err := sess.ws.WriteMessage(websocket.TextMessage, []byte("keepalive")); err != nil {
				return fmt.Errorf("keepalive write: %w", err)
			}

		case <-refresh.C:
			c.setState(StateRefreshing)
			token, err := c.refreshToken(sess)
			if err != nil {
				// A failed refresh means the token is about to die; a
				// full reconnect acquires a fresh one.
				return fmt.Errorf("token refresh: %w", err)
			}
			sess.token = token
			c.setState(StateConnected)
			c.logger.Info("Miniserver token refreshed",
				"token_expiry", token.Expiry.Format(time.RFC3339),
			)
			refresh.Reset(time.Until(token.refreshAt(margin, time.Now())))

		case req := <-c.commands:
			req.reply <- c.dispatch(sess, req)
		}
	}
}

// dispatch sends one forward command over the session and waits for the
// Miniserver's reply.
func (c *Connector) dispatch(sess *session, req forwardRequest) Result {
	command := fmt.Sprintf("jdev/sps/io/%s/%s", req.input, req.value)
	reply, err := sess.serveRoundTrip(command, true)
	if err != nil {
		c.logger.Warn("WebSocket forward failed",
			"input", req.input,
			"error", err,
		)
		return Result{Code: 503}
	}
	return Result{OK: reply.code == 200, Code: reply.code}
}

// refreshToken re-hashes the credentials against a fresh server key and
// refreshes the JWT over the live socket.
func (c *Connector) refreshToken(sess *session) (Token, error) {
	keyReply, err := sess.serveRoundTrip("jdev/sys/getkey2/"+c.cfg.User, true)
	if err != nil {
		return Token{}, err
	}

	var keyInfo struct {
		Key     string `json:"key"`
		Salt    string `json:"salt"`
		HashAlg string `json:"hashAlg"`
	}
	if err := json.Unmarshal(keyReply.value, &keyInfo); err != nil {
		return Token{}, fmt.Errorf("getkey2 payload: %w", err)
	}

	hash, err := hashCredentials(c.cfg.User, c.cfg.Pass, keyInfo.Salt, keyInfo.Key, keyInfo.HashAlg)
	if err != nil {
		return Token{}, err
	}

	refreshCmd := fmt.Sprintf("jdev/sys/refreshjwt/%s/%s", hash, c.cfg.User)
	reply, err := sess.serveRoundTrip(refreshCmd, true)
	if err != nil {
		return Token{}, err
	}
	if isAuthCode(reply.code) {
		return Token{}, fmt.Errorf("%w: refresh returned %d", ErrAuthFailed, reply.code)
	}

	var tokenInfo struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(reply.value, &tokenInfo); err != nil {
		return Token{}, fmt.Errorf("refreshjwt payload: %w", err)
	}

	return parseToken(tokenInfo.Token)
}

// readLoop pumps frames off the socket: header frames announce the payload
// that follows, keepalive headers answer our pings, text payloads feed the
// frames channel. Event payloads are read and discarded; the relay pushes
// values, it does not subscribe to state updates. Malformed headers are
// dropped with a log and the session continues.
func (c *Connector) readLoop(sess *session) {
	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			sess.errc <- err
			return
		}

		if len(data) != headerLength || data[0] != headerMagic {
			c.logger.Debug("Dropping stray frame without header", "bytes", len(data))
			continue
		}

		header, err := decodeHeader(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame header", "error", err)
			continue
		}

		if header.Estimated() {
			// The definitive header follows.
			continue
		}

		switch header.Type {
		case FrameKeepalive:
			select {
			case sess.pongs <- struct{}{}:
			default:
			}
			continue
		case FrameOutOfService:
			sess.errc <- errors.New("miniserver going out of service")
			return
		}

		if header.Length == 0 {
			continue
		}

		_, payload, err := sess.ws.ReadMessage()
		if err != nil {
			sess.errc <- err
			return
		}

		if header.Type != FrameText {
			continue
		}

		select {
		case sess.frames <- textFrame{header: header, payload: payload}:
		default:
			c.logger.Debug("Dropping unsolicited text frame", "bytes", len(payload))
		}
	}
}

// ============================================================================
// Command round trips
// ============================================================================

// roundTrip sends a command and synchronously reads its reply. Handshake
// only: once the read loop runs, use serveRoundTrip.
func (s *session) roundTrip(command string, encrypted bool) (llReply, error) {
	if err := s.writeCommand(command, encrypted); err != nil {
		return llReply{}, err
	}

	deadline := time.Now().Add(commandTimeout)
	s.ws.SetReadDeadline(deadline)
	defer s.ws.SetReadDeadline(time.Time{})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return llReply{}, err
		}
		if len(data) == headerLength && data[0] == headerMagic {
			continue
		}
		if !bytes.Contains(data, []byte(`"LL"`)) {
			continue
		}
		return parseLL(data)
	}
}

// serveRoundTrip sends a command while the read loop owns the socket and
// waits for the reply on the frames channel.
func (s *session) serveRoundTrip(command string, encrypted bool) (llReply, error) {
	if err := s.writeCommand(command, encrypted); err != nil {
		return llReply{}, err
	}

	timeout := time.NewTimer(commandTimeout)
	defer timeout.Stop()

	select {
	case frame := <-s.frames:
		return parseLL(frame.payload)
	case err := <-s.errc:
		// Put the error back for the serve loop.
		s.errc <- err
		return llReply{}, err
	case <-timeout.C:
		return llReply{}, fmt.Errorf("command timed out after %v", commandTimeout)
	}
}

func (s *session) writeCommand(command string, encrypted bool) error {
	wire := command
	if encrypted {
		var err error
		wire, err = s.crypto.encryptCommand(command)
		if err != nil {
			return err
		}
	}
	return s.ws.WriteMessage(websocket.TextMessage, []byte(wire))
}

// ============================================================================
// LL reply parsing
// ============================================================================

// llReply is a parsed {"LL":{...}} response.
type llReply struct {
	control string
	value   json.RawMessage
	code    int
}

// parseLL decodes a Miniserver text reply. The code field varies across
// firmware versions in both key case and type (string vs number).
func parseLL(payload []byte) (llReply, error) {
	var envelope struct {
		LL struct {
			Control   string          `json:"control"`
			Value     json.RawMessage `json:"value"`
			Code      json.RawMessage `json:"Code"`
			CodeLower json.RawMessage `json:"code"`
		} `json:"LL"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return llReply{}, fmt.Errorf("%w: %w", ErrFrameDecode, err)
	}

	raw := envelope.LL.Code
	if raw == nil {
		raw = envelope.LL.CodeLower
	}

	return llReply{
		control: envelope.LL.Control,
		value:   envelope.LL.Value,
		code:    parseLLCode(raw),
	}, nil
}

func parseLLCode(raw json.RawMessage) int {
	text := string(bytes.Trim(bytes.TrimSpace(raw), `"`))
	if text == "" {
		return 0
	}
	code, err := strconv.Atoi(text)
	if err != nil {
		return 0
	}
	return code
}

// isAuthCode reports whether a reply code signals rejected credentials.
// 401 is the standard rejection; 420 is Loxone's "invalid token".
func isAuthCode(code int) bool {
	return code == 401 || code == 420
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}
