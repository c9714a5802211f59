package imap

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/sqs/go-xoauth2"
)

// Login authenticates with creds.Mechanism (LOGIN when empty).
//
// A rejection is returned as *AuthError and leaves the session in
// StateNotAuthenticated with the connection open, so Login may be retried.
// Authentication is never retried automatically.
func (s *Session) Login(ctx context.Context, creds Credentials) error {
	switch creds.Mechanism {
	case "", MechanismLogin:
		return s.login(ctx, creds.Username, creds.Secret)
	case MechanismPlain:
		return s.Authenticate(ctx, sasl.NewPlainClient("", creds.Username, creds.Secret))
	case MechanismOAuthBearer:
		return s.Authenticate(ctx, sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: creds.Username,
			Token:    creds.Secret,
			Host:     s.cfg.Endpoint.Host,
			Port:     s.cfg.Endpoint.port(),
		}))
	case MechanismXOAuth2:
		return s.Authenticate(ctx, newXOAuth2Client(creds.Username, creds.Secret))
	}
	return &AuthError{Mechanism: string(creds.Mechanism), Err: fmt.Errorf("unsupported mechanism")}
}

// login performs LOGIN authentication using username and password
func (s *Session) login(ctx context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.run(ctx, &command{
		verb:   "LOGIN",
		args:   []any{quote(username), quote(password)},
		redact: true,
	})
	if err != nil {
		return err
	}
	if st.Type != StatusOK {
		return &AuthError{Mechanism: "LOGIN", Status: st}
	}
	s.logger().Info("authenticated", "mechanism", "LOGIN")
	return nil
}

// Authenticate runs an AUTHENTICATE exchange driven by a SASL client. The
// initial response goes on the command line when the server announced
// SASL-IR, otherwise it answers the first continuation.
func (s *Session) Authenticate(ctx context.Context, client sasl.Client) error {
	mech, ir, err := client.Start()
	if err != nil {
		return &AuthError{Mechanism: mech, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := &command{verb: "AUTHENTICATE", args: []any{mech}, redact: true}
	pending := ir != nil
	if pending && s.hasCapability("SASL-IR") {
		enc := base64.StdEncoding.EncodeToString(ir)
		if enc == "" {
			enc = "="
		}
		cmd.args = append(cmd.args, enc)
		pending = false
	}
	cmd.onContinue = func(text string) (string, error) {
		if pending {
			pending = false
			return base64.StdEncoding.EncodeToString(ir), nil
		}
		challenge, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return "", &ProtocolError{Msg: "bad SASL challenge", Line: text, Err: err}
		}
		resp, err := client.Next(challenge)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(resp), nil
	}

	st, err := s.run(ctx, cmd)
	if st == nil {
		return err
	}
	if err != nil {
		return &AuthError{Mechanism: mech, Status: st, Err: err}
	}
	if st.Type != StatusOK {
		return &AuthError{Mechanism: mech, Status: st}
	}
	s.logger().Info("authenticated", "mechanism", mech)
	return nil
}

// xoauth2Client speaks Google's XOAUTH2. On failure the server sends a
// JSON error as a challenge, which must be answered with an empty response.
type xoauth2Client struct {
	ir []byte
}

func newXOAuth2Client(user, accessToken string) sasl.Client {
	ir, _ := base64.StdEncoding.DecodeString(xoauth2.XOAuth2String(user, accessToken))
	return &xoauth2Client{ir: ir}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", c.ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
