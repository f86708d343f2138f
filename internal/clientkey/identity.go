package clientkey

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
)

// MaxIdentityBody bounds how much of a request body is read looking for an email.
const MaxIdentityBody = 64 << 10

// Identity returns the lower-cased, trimmed email in a JSON or form body.
// The body is always restored for downstream handlers. ok is false when the
// request carries no parseable email.
func Identity(req *http.Request) (string, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return "", false
	}

	buf, err := io.ReadAll(io.LimitReader(req.Body, MaxIdentityBody+1))
	rest := req.Body
	req.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), rest), Closer: rest}
	if err != nil || len(buf) > MaxIdentityBody {
		return "", false
	}

	raw := emailField(req.Header.Get("Content-Type"), buf)
	return normalizeEmail(raw)
}

func emailField(contentType string, body []byte) string {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mt == "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return ""
		}
		return vals.Get("email")
	case mt == "application/json" || strings.HasSuffix(mt, "+json") || mt == "":
		var doc struct {
			Email string `json:"email"`
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			return ""
		}
		return doc.Email
	default:
		return ""
	}
}

func normalizeEmail(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" || len(s) > 254 {
		return "", false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", false
	}
	return s, true
}

type readCloser struct {
	io.Reader
	io.Closer
}
