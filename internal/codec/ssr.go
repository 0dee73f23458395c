package codec

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// parseShadowsocksR decodes the single-blob ssr:// layout:
//
//	ssr://base64(server:port:protocol:cipher:obfs:base64(password)/?params)
//
// where remarks, protoparam and obfsparam inside params are base64 once
// more. The main section is split from the right so IPv6 servers with
// embedded colons survive.
func parseShadowsocksR(raw string) (*ProxyRecord, error) {
	body := strings.TrimPrefix(raw, "ssr://")
	decoded, err := decodeBase64(body)
	if err != nil {
		return nil, parseErr("ssr", raw, "invalid base64 body: %v", err)
	}
	text := string(decoded)

	main, params, _ := strings.Cut(text, "/?")

	var tail [5]string
	rest := main
	for i := 4; i >= 0; i-- {
		j := strings.LastIndexByte(rest, ':')
		if j < 0 {
			return nil, parseErr("ssr", raw, "malformed body, want 6 colon fields")
		}
		tail[i] = rest[j+1:]
		rest = rest[:j]
	}
	server := strings.Trim(rest, "[]")
	if !validServer(server) {
		return nil, parseErr("ssr", raw, "missing or invalid server %q", server)
	}
	port, err := strconv.Atoi(tail[0])
	if err != nil || !validPort(port) {
		return nil, parseErr("ssr", raw, "invalid port %q", tail[0])
	}

	protocol := tail[1]
	if protocol == "" {
		protocol = "origin"
	}
	cipher := strings.ToLower(tail[2])
	if !ssrCiphers[cipher] {
		return nil, parseErr("ssr", raw, "unsupported cipher %q", cipher)
	}
	obfs := tail[3]
	if obfs == "" {
		obfs = "plain"
	}
	passwordRaw, err := decodeBase64(tail[4])
	if err != nil {
		return nil, parseErr("ssr", raw, "invalid base64 password: %v", err)
	}
	password := string(passwordRaw)
	if password == "" {
		return nil, parseErr("ssr", raw, "empty password")
	}

	var name, protoParam, obfsParam string
	if params != "" {
		q, err := url.ParseQuery(params)
		if err != nil {
			return nil, parseErr("ssr", raw, "malformed params: %v", err)
		}
		name = decodeBase64Param(q.Get("remarks"))
		protoParam = decodeBase64Param(q.Get("protoparam"))
		obfsParam = decodeBase64Param(q.Get("obfsparam"))
	}
	if name == "" {
		name = defaultName(server, port)
	}

	return &ProxyRecord{
		Kind:   KindShadowsocksR,
		Name:   name,
		Server: server,
		Port:   port,
		ShadowsocksR: &ShadowsocksRConfig{
			Cipher:        cipher,
			Password:      password,
			Protocol:      protocol,
			ProtocolParam: protoParam,
			Obfs:          obfs,
			ObfsParam:     obfsParam,
		},
	}, nil
}

// decodeBase64Param tolerates plain-text values some generators emit where
// base64 is expected.
func decodeBase64Param(s string) string {
	if s == "" {
		return ""
	}
	if decoded, err := decodeBase64(s); err == nil {
		return string(decoded)
	}
	return s
}

func serializeShadowsocksR(r *ProxyRecord) string {
	c := r.ShadowsocksR
	server := r.Server
	if strings.Contains(server, ":") {
		server = "[" + server + "]"
	}
	main := fmt.Sprintf("%s:%d:%s:%s:%s:%s",
		server, r.Port, c.Protocol, c.Cipher, c.Obfs, encodeBase64(c.Password))

	params := url.Values{}
	params.Set("remarks", encodeBase64(r.Name))
	if c.ProtocolParam != "" {
		params.Set("protoparam", encodeBase64(c.ProtocolParam))
	}
	if c.ObfsParam != "" {
		params.Set("obfsparam", encodeBase64(c.ObfsParam))
	}
	return "ssr://" + encodeBase64(main+"/?"+params.Encode())
}
