package socks5

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrCommandNotSupported is returned for BIND and UDP ASSOCIATE requests.
var ErrCommandNotSupported = errors.New("socks5: command not supported")

// ServerHandshake negotiates with a client and reads its CONNECT request.
// It returns the requested host:port and the request's address type, which
// failure replies echo back. Requests for other commands are answered with
// "command not supported" and fail with ErrCommandNotSupported.
func ServerHandshake(rw io.ReadWriter, auth Auth) (target string, atyp byte, err error) {
	if err := ServerNegotiate(rw, auth); err != nil {
		return "", 0, err
	}
	req, err := ServerReadRequest(rw)
	if err != nil {
		return "", 0, err
	}
	if req.Cmd != CmdConnect {
		WriteCommandNotSupportedReply(rw, req.Atyp)
		return "", req.Atyp, fmt.Errorf("%w: %d", ErrCommandNotSupported, req.Cmd)
	}
	return req.Address(), req.Atyp, nil
}

// ServerNegotiate performs method negotiation, and username/password
// authentication when auth has a username.
func ServerNegotiate(rw io.ReadWriter, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(rw)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if auth.Username == "" {
		if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
			writeNoAcceptableMethods(rw)
			return errors.New("client does not support no-auth")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(rw); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}
		return nil
	}

	if !slices.Contains(neg.Methods, txsocks5.MethodUsernamePassword) {
		writeNoAcceptableMethods(rw)
		return errors.New("client does not support username/password")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(rw); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}

	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(rw)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if !auth.matches(urq.Uname, urq.Passwd) {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(rw)
		return errors.New("auth failed")
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(rw); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}

// ServerReadRequest reads the client's request after negotiation.
func ServerReadRequest(r io.Reader) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(r)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

func (a Auth) matches(user, pass []byte) bool {
	u := subtle.ConstantTimeCompare(user, []byte(a.Username))
	p := subtle.ConstantTimeCompare(pass, []byte(a.Password))
	return u&p == 1
}
