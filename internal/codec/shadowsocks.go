package codec

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// parseShadowsocks accepts both common ss:// layouts:
//
//	ss://base64(cipher:password)@host:port/?plugin=...#name   (SIP002 split form)
//	ss://base64(cipher:password@host:port)#name               (legacy whole-blob form)
//
// The split form is tried first; only when no userinfo separator is present
// does the codec fall back to decoding the whole body.
func parseShadowsocks(raw string) (*ProxyRecord, error) {
	body := strings.TrimPrefix(raw, "ss://")

	var name string
	if i := strings.IndexByte(body, '#'); i >= 0 {
		name = percentDecode(body[i+1:])
		body = body[:i]
	}

	var plugin string
	if i := strings.IndexByte(body, '?'); i >= 0 {
		if q, err := url.ParseQuery(body[i+1:]); err == nil {
			plugin = q.Get("plugin")
		}
		body = body[:i]
	}
	body = strings.TrimSuffix(body, "/")

	var credential, hostport string
	if i := strings.LastIndexByte(body, '@'); i >= 0 {
		userinfo := body[:i]
		hostport = body[i+1:]
		if decoded, err := decodeBase64(userinfo); err == nil && strings.Contains(string(decoded), ":") {
			credential = string(decoded)
		} else {
			// SIP002 also allows a plain percent-encoded cipher:password.
			credential = percentDecode(userinfo)
		}
	} else {
		decoded, err := decodeBase64(body)
		if err != nil {
			return nil, parseErr("ss", raw, "invalid base64 body: %v", err)
		}
		text := string(decoded)
		i := strings.LastIndexByte(text, '@')
		if i < 0 {
			return nil, parseErr("ss", raw, "missing credential separator")
		}
		credential = text[:i]
		hostport = text[i+1:]
	}

	cipher, password, ok := strings.Cut(credential, ":")
	if !ok {
		return nil, parseErr("ss", raw, "malformed credential")
	}
	cipher = strings.ToLower(cipher)
	if !ssCiphers[cipher] {
		return nil, parseErr("ss", raw, "unsupported cipher %q", cipher)
	}
	if password == "" {
		return nil, parseErr("ss", raw, "empty password")
	}

	server, port, perr := splitEndpoint("ss", raw, hostport)
	if perr != nil {
		return nil, perr
	}

	if name == "" {
		name = defaultName(server, port)
	}

	return &ProxyRecord{
		Kind:   KindShadowsocks,
		Name:   name,
		Server: server,
		Port:   port,
		Shadowsocks: &ShadowsocksConfig{
			Cipher:   cipher,
			Password: password,
			Plugin:   plugin,
		},
	}, nil
}

func serializeShadowsocks(r *ProxyRecord) string {
	c := r.Shadowsocks
	var b strings.Builder
	b.WriteString("ss://")
	b.WriteString(encodeBase64(c.Cipher + ":" + c.Password))
	b.WriteByte('@')
	b.WriteString(r.Endpoint())
	if c.Plugin != "" {
		b.WriteString("/?plugin=")
		b.WriteString(url.QueryEscape(c.Plugin))
	}
	b.WriteByte('#')
	b.WriteString(url.PathEscape(r.Name))
	return b.String()
}

// splitEndpoint validates a host:port tail, keeping IPv6 literals intact.
func splitEndpoint(scheme, raw, hostport string) (string, int, *ParseError) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, parseErr(scheme, raw, "malformed endpoint %q", hostport)
	}
	if !validServer(host) {
		return "", 0, parseErr(scheme, raw, "missing or invalid server %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || !validPort(port) {
		return "", 0, parseErr(scheme, raw, "invalid port %q", portStr)
	}
	return host, port, nil
}
