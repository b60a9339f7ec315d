package server

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/vogler75/winccua-pgwire-interface/graphqlclient"
	"github.com/vogler75/winccua-pgwire-interface/sqlerrors"
)

// authenticate negotiates the wire-protocol auth method configured for the
// server and, on success, establishes a GraphQL Session (§4.I).
func (c *clientConn) authenticate(ctx context.Context) (*graphqlclient.Session, error) {
	switch c.server.cfg.AuthMethod {
	case AuthCleartext:
		return c.authenticateCleartext(ctx)
	case AuthMD5:
		return c.authenticateMD5(ctx)
	case AuthSCRAM:
		return c.authenticateSCRAM(ctx)
	case AuthNone:
		return c.loginSharedIdentity(ctx)
	default:
		return nil, sqlerrors.Internal(nil, "unknown auth method %q", c.server.cfg.AuthMethod)
	}
}

// authenticateCleartext is the only path where the wire client's own
// password reaches the GraphQL backend, since it is the only PostgreSQL
// auth scheme that carries a recoverable cleartext password.
func (c *clientConn) authenticateCleartext(ctx context.Context) (*graphqlclient.Session, error) {
	if err := writeAuthCleartextPassword(c.writer); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}

	password, err := c.readPasswordMessage()
	if err != nil {
		return nil, err
	}

	sess, gerr := c.server.graphql.Login(ctx, c.username, password)
	if gerr != nil {
		return nil, sqlerrors.Auth("login failed for user %q: %s", c.username, gerr.Message)
	}
	return sess, nil
}

// authenticateMD5 verifies the wire client against the shared
// --no-auth-password secret: an MD5 challenge response cannot be reversed
// into the password that produced it, so it cannot be forwarded to
// GraphQL login. A verified client instead logs in as the configured
// shared identity (§4 resolution of Open Question 1, "degraded mode").
func (c *clientConn) authenticateMD5(ctx context.Context) (*graphqlclient.Session, error) {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, sqlerrors.Internal(err, "generating MD5 salt")
	}
	if err := writeAuthMD5Password(c.writer, salt); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}

	response, err := c.readPasswordMessage()
	if err != nil {
		return nil, err
	}

	expected := md5AuthResponse(c.server.cfg.NoAuthPassword, c.username, salt)
	if !constantTimeStringEqual(response, expected) {
		return nil, sqlerrors.Auth("password authentication failed for user %q", c.username)
	}

	return c.loginSharedIdentity(ctx)
}

func md5AuthResponse(password, username string, salt [4]byte) string {
	inner := md5Hex([]byte(password + username))
	outer := md5Hex(append([]byte(inner), salt[:]...))
	return "md5" + outer
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// authenticateSCRAM runs the SCRAM-SHA-256 exchange against the shared
// --no-auth-password secret, for the same reason authenticateMD5 does: the
// scheme proves knowledge of a password without transmitting it, so there
// is nothing to forward to GraphQL login.
func (c *clientConn) authenticateSCRAM(ctx context.Context) (*graphqlclient.Session, error) {
	if err := writeAuthSASL(c.writer); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}

	clientFirst, err := c.readSASLInitialResponse()
	if err != nil {
		return nil, err
	}

	conv := newScramServerConversation(c.server.cfg.NoAuthPassword)
	serverFirst, err := conv.step1(clientFirst)
	if err != nil {
		return nil, sqlerrors.Auth("SCRAM negotiation failed: %v", err)
	}
	if err := writeAuthSASLContinue(c.writer, []byte(serverFirst)); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}

	clientFinal, err := c.readSASLResponse()
	if err != nil {
		return nil, err
	}
	serverFinal, err := conv.step2(clientFinal)
	if err != nil {
		return nil, sqlerrors.Auth("password authentication failed for user %q", c.username)
	}
	if err := writeAuthSASLFinal(c.writer, []byte(serverFinal)); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}

	return c.loginSharedIdentity(ctx)
}

// loginSharedIdentity logs into the GraphQL backend as the fixed identity
// backing degraded-mode and trust-mode authentication.
func (c *clientConn) loginSharedIdentity(ctx context.Context) (*graphqlclient.Session, error) {
	sess, gerr := c.server.graphql.Login(ctx, c.server.cfg.NoAuthUsername, c.server.cfg.NoAuthPassword)
	if gerr != nil {
		return nil, sqlerrors.Auth("shared-identity login failed: %s", gerr.Message)
	}
	return sess, nil
}

func (c *clientConn) readPasswordMessage() (string, error) {
	msgType, body, err := readMessage(c.reader)
	if err != nil {
		return "", err
	}
	if msgType != msgPassword {
		return "", sqlerrors.Auth("expected password message, got %q", msgType)
	}
	return string(bytes.TrimRight(body, "\x00")), nil
}

// readSASLInitialResponse reads the SASLInitialResponse PasswordMessage:
// mechanism name (cstring), then an int32 length and that many bytes of
// initial client response.
func (c *clientConn) readSASLInitialResponse() (string, error) {
	msgType, body, err := readMessage(c.reader)
	if err != nil {
		return "", err
	}
	if msgType != msgPassword {
		return "", sqlerrors.Auth("expected SASLInitialResponse, got %q", msgType)
	}

	r := bytes.NewReader(body)
	mechanism, err := readCString(r)
	if err != nil {
		return "", sqlerrors.Auth("malformed SASLInitialResponse")
	}
	if mechanism != scramMechanism {
		return "", sqlerrors.Auth("unsupported SASL mechanism %q", mechanism)
	}

	var length int32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", sqlerrors.Auth("malformed SASLInitialResponse")
	}
	if length < 0 {
		return "", nil
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", sqlerrors.Auth("malformed SASLInitialResponse")
	}
	return string(data), nil
}

// readSASLResponse reads a subsequent SASLResponse PasswordMessage: the raw
// SCRAM message bytes, with no mechanism prefix.
func (c *clientConn) readSASLResponse() (string, error) {
	msgType, body, err := readMessage(c.reader)
	if err != nil {
		return "", err
	}
	if msgType != msgPassword {
		return "", sqlerrors.Auth("expected SASLResponse, got %q", msgType)
	}
	return string(body), nil
}
