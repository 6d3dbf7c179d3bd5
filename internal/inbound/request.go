package inbound

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// SignatureHeader carries hex(HMAC-SHA256(provider secret, raw body)).
const SignatureHeader = "X-Provider-Signature"

const maxBody = 1 << 20

// Incoming is one provider call reduced to what the receiver needs.
type Incoming struct {
	Params Params
	// Raw is the signed material: the body, or the raw query for body-less calls.
	Raw       []byte
	Signature string
}

// FromRequest collects the parameters of a provider call. They come from the
// form or JSON body when there is one and from the query string otherwise,
// so Params never holds a value the signed material does not cover.
func FromRequest(r *http.Request) (Incoming, error) {
	in := Incoming{Params: Params{}, Signature: r.Header.Get(SignatureHeader)}
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			return in, fmt.Errorf("read body: %w", err)
		}
		body = b
	}
	if len(bytes.TrimSpace(body)) == 0 {
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				in.Params[k] = strings.TrimSpace(v[0])
			}
		}
		in.Raw = []byte(r.URL.RawQuery)
		return in, nil
	}
	in.Raw = body
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/json":
		if err := mergeJSON(in.Params, body); err != nil {
			return in, err
		}
	default:
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return in, fmt.Errorf("parse form: %w", err)
		}
		for k, v := range form {
			if len(v) > 0 {
				in.Params[k] = strings.TrimSpace(v[0])
			}
		}
	}
	return in, nil
}

func mergeJSON(p Params, body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	for k, v := range m {
		switch t := v.(type) {
		case string:
			p[k] = strings.TrimSpace(t)
		case json.Number:
			p[k] = t.String()
		case bool:
			p[k] = fmt.Sprint(t)
		case nil:
		default:
			// nested values are not part of the provider contract
		}
	}
	return nil
}
