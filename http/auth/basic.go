// Package auth verifies HTTP authentication credentials of already parsed requests.
package auth

import (
	"encoding/base64"
	"strings"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/http/status"
	"github.com/indigo-web/mhd/internal/strutil"
	"github.com/indigo-web/utils/strcomp"
)

// Credentials are decoded from the Basic scheme. Unlike other request strings, they
// are owned by the caller.
type Credentials struct {
	Username, Password string
}

// Basic decodes the credentials of the Authorization header. False is returned if the
// header is missing, isn't of the Basic scheme or is malformed.
func Basic(req *http.Request) (Credentials, bool) {
	value, found := req.Value(http.KindHeader, "Authorization")
	if !found {
		return Credentials{}, false
	}

	token, ok := schemeParams(value, "Basic")
	if !ok {
		return Credentials{}, false
	}

	decoded, err := base64.StdEncoding.DecodeString(strutil.TrimOWS(token))
	if err != nil {
		return Credentials{}, false
	}

	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return Credentials{}, false
	}

	return Credentials{Username: username, Password: password}, true
}

// BasicChallenge adds the Basic WWW-Authenticate header to the response.
func BasicChallenge(resp *http.Response, realm string, utf8 bool) error {
	if len(realm) == 0 {
		return code.AuthRealmMissing
	}

	value := `Basic realm="` + string(strutil.Quote(nil, []byte(realm))) + `"`
	if utf8 {
		value += `, charset="UTF-8"`
	}

	return resp.AddHeader("WWW-Authenticate", value)
}

// ActionBasicChallenge replies with 401 asking for Basic credentials.
func ActionBasicChallenge(realm string, utf8 bool) (http.Action, error) {
	resp := http.NewResponseString(status.Unauthorized, status.CannedBody(status.Unauthorized))
	if err := BasicChallenge(resp, realm, utf8); err != nil {
		resp.Destroy()
		return http.Action{}, err
	}

	_ = resp.AddHeader("Content-Type", "text/html")
	return http.ActionResponse(resp), nil
}

// schemeParams strips the authentication scheme off the header value.
func schemeParams(value, scheme string) (string, bool) {
	value = strutil.TrimOWS(value)
	if len(value) <= len(scheme) || !strcomp.EqualFold(value[:len(scheme)], scheme) || value[len(scheme)] != ' ' {
		return "", false
	}

	return value[len(scheme)+1:], true
}
