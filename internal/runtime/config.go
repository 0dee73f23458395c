package runtime

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"clashprobe/internal/codec"
	"clashprobe/internal/shared/types"
)

type obj = map[string]interface{}

const groupName = "PROXY"

// buildRuntimeConfig renders the single-proxy configuration the runtime
// consumes: one inbound mixed port, one proxy entry, one select group and a
// match-all rule pointing at it.
func buildRuntimeConfig(rec *codec.ProxyRecord, proxyPort, controlPort int) (obj, error) {
	entry, err := proxyEntry(rec)
	if err != nil {
		return nil, err
	}
	name := entry["name"].(string)
	return obj{
		"mixed-port":          proxyPort,
		"allow-lan":           false,
		"mode":                "global",
		"log-level":           "silent",
		"external-controller": fmt.Sprintf("127.0.0.1:%d", controlPort),
		"proxies":             []obj{entry},
		"proxy-groups": []obj{{
			"name":    groupName,
			"type":    "select",
			"proxies": []string{name},
		}},
		"rules": []string{"MATCH," + groupName},
	}, nil
}

// proxyEntry maps a record onto the runtime's proxy dialect, one shape per
// kind.
func proxyEntry(rec *codec.ProxyRecord) (obj, error) {
	name := rec.Name
	if name == "" || name == groupName {
		name = "node"
	}
	base := obj{
		"name":   name,
		"server": rec.Server,
		"port":   rec.Port,
		"udp":    true,
	}

	switch rec.Kind {
	case codec.KindVMess:
		c := rec.VMess
		base["type"] = "vmess"
		base["uuid"] = c.UUID
		base["alterId"] = c.AlterID
		base["cipher"] = c.Cipher
		applyStream(base, c.Stream)
	case codec.KindVLESS:
		c := rec.VLESS
		base["type"] = "vless"
		base["uuid"] = c.UUID
		if c.Flow != "" {
			base["flow"] = c.Flow
		}
		applyStream(base, c.Stream)
	case codec.KindTrojan:
		c := rec.Trojan
		base["type"] = "trojan"
		base["password"] = c.Password
		if c.Stream.ServerName != "" {
			base["sni"] = c.Stream.ServerName
		}
		if c.Stream.AllowInsecure {
			base["skip-cert-verify"] = true
		}
		applyStreamTransport(base, c.Stream)
	case codec.KindShadowsocks:
		c := rec.Shadowsocks
		base["type"] = "ss"
		base["cipher"] = c.Cipher
		base["password"] = c.Password
	case codec.KindShadowsocksR:
		c := rec.ShadowsocksR
		base["type"] = "ssr"
		base["cipher"] = c.Cipher
		base["password"] = c.Password
		base["protocol"] = c.Protocol
		base["obfs"] = c.Obfs
		if c.ProtocolParam != "" {
			base["protocol-param"] = c.ProtocolParam
		}
		if c.ObfsParam != "" {
			base["obfs-param"] = c.ObfsParam
		}
	default:
		return nil, fmt.Errorf("no runtime mapping for kind %q", rec.Kind)
	}
	return base, nil
}

// applyStream renders TLS plus transport options (vmess, vless).
func applyStream(entry obj, s codec.StreamOptions) {
	switch s.TLS {
	case codec.TLSStd:
		entry["tls"] = true
		if s.ServerName != "" {
			entry["servername"] = s.ServerName
		}
		if s.AllowInsecure {
			entry["skip-cert-verify"] = true
		}
	case codec.TLSReality:
		entry["tls"] = true
		if s.ServerName != "" {
			entry["servername"] = s.ServerName
		}
		entry["reality-opts"] = obj{
			"public-key": s.PublicKey,
			"short-id":   s.ShortID,
		}
	}
	if s.Fingerprint != "" {
		entry["client-fingerprint"] = s.Fingerprint
	}
	applyStreamTransport(entry, s)
}

// applyStreamTransport renders only the network section (trojan carries its
// TLS fields at the top level).
func applyStreamTransport(entry obj, s codec.StreamOptions) {
	switch s.Transport {
	case codec.TransportWebsocket:
		entry["network"] = "ws"
		opts := obj{}
		if s.Path != "" {
			opts["path"] = s.Path
		}
		if s.Host != "" {
			opts["headers"] = obj{"Host": s.Host}
		}
		if len(opts) > 0 {
			entry["ws-opts"] = opts
		}
	case codec.TransportGRPC:
		entry["network"] = "grpc"
		if s.ServiceName != "" {
			entry["grpc-opts"] = obj{"grpc-service-name": s.ServiceName}
		}
	case codec.TransportHTTP2:
		entry["network"] = "h2"
		opts := obj{}
		if s.Path != "" {
			opts["path"] = s.Path
		}
		if s.Host != "" {
			opts["host"] = []string{s.Host}
		}
		if len(opts) > 0 {
			entry["h2-opts"] = opts
		}
	}
}

// writeConfigFile marshals the runtime config to a per-instance temp file.
// The caller owns the file and removes it in Stop.
func writeConfigFile(cfg types.RuntimeConf, rec *codec.ProxyRecord, proxyPort, controlPort int) (string, error) {
	m, err := buildRuntimeConfig(rec, proxyPort, controlPort)
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal runtime config: %w", err)
	}

	dir := cfg.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "clashprobe-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create runtime config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write runtime config file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close runtime config file: %w", err)
	}
	return f.Name(), nil
}
