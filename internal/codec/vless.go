package codec

import (
	"net"
	"net/url"
	"strconv"
)

func parseVLESS(raw string) (*ProxyRecord, error) {
	u, server, port, perr := parseURLForm("vless", raw)
	if perr != nil {
		return nil, perr
	}
	id := u.User.Username()
	if !validUUID(id) {
		return nil, parseErr("vless", raw, "invalid uuid %q", id)
	}
	q := u.Query()
	stream, err := streamFromQuery(q)
	if err != nil {
		return nil, parseErr("vless", raw, "%v", err)
	}

	name := u.Fragment
	if name == "" {
		name = defaultName(server, port)
	}

	return &ProxyRecord{
		Kind:   KindVLESS,
		Name:   name,
		Server: server,
		Port:   port,
		VLESS: &VLESSConfig{
			UUID:   id,
			Flow:   q.Get("flow"),
			Stream: stream,
		},
	}, nil
}

func parseTrojan(raw string) (*ProxyRecord, error) {
	u, server, port, perr := parseURLForm("trojan", raw)
	if perr != nil {
		return nil, perr
	}
	password := u.User.Username()
	if password == "" {
		return nil, parseErr("trojan", raw, "empty password")
	}
	q := u.Query()
	stream, err := streamFromQuery(q)
	if err != nil {
		return nil, parseErr("trojan", raw, "%v", err)
	}
	// Trojan is TLS by definition; links rarely spell security=tls out.
	if stream.TLS == TLSNone {
		stream.TLS = TLSStd
	}

	name := u.Fragment
	if name == "" {
		name = defaultName(server, port)
	}

	return &ProxyRecord{
		Kind:   KindTrojan,
		Name:   name,
		Server: server,
		Port:   port,
		Trojan: &TrojanConfig{
			Password: password,
			Stream:   stream,
		},
	}, nil
}

// parseURLForm handles the shared cred@host:port?query#fragment shape of
// vless and trojan links, validating the endpoint half.
func parseURLForm(scheme, raw string) (*url.URL, string, int, *ParseError) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", 0, parseErr(scheme, raw, "malformed uri: %v", err)
	}
	if u.User == nil {
		return nil, "", 0, parseErr(scheme, raw, "missing credential")
	}
	server := u.Hostname()
	if !validServer(server) {
		return nil, "", 0, parseErr(scheme, raw, "missing or invalid server %q", server)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || !validPort(port) {
		return nil, "", 0, parseErr(scheme, raw, "invalid port %q", u.Port())
	}
	return u, server, port, nil
}

func streamFromQuery(q url.Values) (StreamOptions, error) {
	transport, err := transportFromWire(q.Get("type"))
	if err != nil {
		return StreamOptions{}, err
	}
	sni := q.Get("sni")
	if sni == "" {
		sni = q.Get("peer")
	}
	allowInsecure := q.Get("allowInsecure") == "1" || q.Get("allowInsecure") == "true"
	return StreamOptions{
		Transport:     transport,
		Path:          q.Get("path"),
		Host:          q.Get("host"),
		ServiceName:   q.Get("serviceName"),
		TLS:           tlsModeFromWire(q.Get("security")),
		ServerName:    sni,
		Fingerprint:   q.Get("fp"),
		PublicKey:     q.Get("pbk"),
		ShortID:       q.Get("sid"),
		SpiderX:       q.Get("spx"),
		AllowInsecure: allowInsecure,
	}, nil
}

func streamToQuery(stream StreamOptions, q url.Values) {
	q.Set("type", string(stream.Transport))
	if stream.TLS != TLSNone {
		q.Set("security", string(stream.TLS))
	}
	setNonEmpty(q, "path", stream.Path)
	setNonEmpty(q, "host", stream.Host)
	setNonEmpty(q, "serviceName", stream.ServiceName)
	setNonEmpty(q, "sni", stream.ServerName)
	setNonEmpty(q, "fp", stream.Fingerprint)
	setNonEmpty(q, "pbk", stream.PublicKey)
	setNonEmpty(q, "sid", stream.ShortID)
	setNonEmpty(q, "spx", stream.SpiderX)
	if stream.AllowInsecure {
		q.Set("allowInsecure", "1")
	}
}

func setNonEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func serializeVLESS(r *ProxyRecord) string {
	c := r.VLESS
	q := url.Values{}
	streamToQuery(c.Stream, q)
	setNonEmpty(q, "flow", c.Flow)
	u := url.URL{
		Scheme:   "vless",
		User:     url.User(c.UUID),
		Host:     net.JoinHostPort(r.Server, strconv.Itoa(r.Port)),
		RawQuery: q.Encode(),
		Fragment: r.Name,
	}
	return u.String()
}

func serializeTrojan(r *ProxyRecord) string {
	c := r.Trojan
	q := url.Values{}
	streamToQuery(c.Stream, q)
	u := url.URL{
		Scheme:   "trojan",
		User:     url.User(c.Password),
		Host:     net.JoinHostPort(r.Server, strconv.Itoa(r.Port)),
		RawQuery: q.Encode(),
		Fragment: r.Name,
	}
	return u.String()
}
