// Package codec converts proxy share links (vmess, vless, ss, ssr, trojan)
// into canonical ProxyRecord values and back. Parsing either yields a fully
// validated record or a *ParseError; partially filled records do not exist.
package codec

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ParseError describes one rejected share link. It is local to the codec:
// callers skip the record and move on, a batch is never aborted by it.
type ParseError struct {
	Scheme string
	Reason string
	Link   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s link: %s", e.Scheme, e.Reason)
}

func parseErr(scheme, link, format string, v ...interface{}) *ParseError {
	return &ParseError{Scheme: scheme, Reason: fmt.Sprintf(format, v...), Link: truncate(link, 64)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Parse decodes a single share link into a validated ProxyRecord.
// The returned error is always a *ParseError.
func Parse(raw string) (*ProxyRecord, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "vmess://"):
		return parseVMess(raw)
	case strings.HasPrefix(raw, "vless://"):
		return parseVLESS(raw)
	case strings.HasPrefix(raw, "trojan://"):
		return parseTrojan(raw)
	// ssr:// must be checked before the ss:// prefix.
	case strings.HasPrefix(raw, "ssr://"):
		return parseShadowsocksR(raw)
	case strings.HasPrefix(raw, "ss://"):
		return parseShadowsocks(raw)
	default:
		return nil, parseErr(schemeOf(raw), raw, "unsupported scheme")
	}
}

// ParseAll decodes a batch of links, skipping blank lines and comments.
// Malformed links are collected, never fatal.
func ParseAll(lines []string) ([]*ProxyRecord, []*ParseError) {
	var records []*ProxyRecord
	var failures []*ParseError
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		rec, err := Parse(line)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				failures = append(failures, pe)
			} else {
				failures = append(failures, &ParseError{Reason: err.Error(), Link: truncate(line, 64)})
			}
			continue
		}
		records = append(records, rec)
	}
	return records, failures
}

// Serialize reconstructs a share link for a record. The output is
// semantically equivalent to the original link; field order, padding and
// percent-encoding may differ. Reparsing the output yields an identical
// record.
func Serialize(r *ProxyRecord) (string, error) {
	if r == nil {
		return "", fmt.Errorf("serialize: nil record")
	}
	switch r.Kind {
	case KindVMess:
		if r.VMess == nil {
			return "", fmt.Errorf("serialize: vmess record without payload")
		}
		return serializeVMess(r), nil
	case KindVLESS:
		if r.VLESS == nil {
			return "", fmt.Errorf("serialize: vless record without payload")
		}
		return serializeVLESS(r), nil
	case KindTrojan:
		if r.Trojan == nil {
			return "", fmt.Errorf("serialize: trojan record without payload")
		}
		return serializeTrojan(r), nil
	case KindShadowsocks:
		if r.Shadowsocks == nil {
			return "", fmt.Errorf("serialize: ss record without payload")
		}
		return serializeShadowsocks(r), nil
	case KindShadowsocksR:
		if r.ShadowsocksR == nil {
			return "", fmt.Errorf("serialize: ssr record without payload")
		}
		return serializeShadowsocksR(r), nil
	default:
		return "", fmt.Errorf("serialize: unknown kind %q", r.Kind)
	}
}

// percentDecode unescapes path-style percent encoding, leaving '+' alone.
// Malformed escapes fall back to the raw text rather than failing the parse.
func percentDecode(s string) string {
	if dec, err := url.PathUnescape(s); err == nil {
		return dec
	}
	return s
}

func schemeOf(raw string) string {
	if i := strings.Index(raw, "://"); i > 0 {
		return raw[:i]
	}
	return "unknown"
}

func defaultName(server string, port int) string {
	return fmt.Sprintf("%s:%d", server, port)
}
