package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// socksContextDialer builds a context-aware dialer through the local SOCKS5
// endpoint a runtime instance exposes.
func socksContextDialer(proxyPort int, timeout time.Duration) (proxy.ContextDialer, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", proxyPort)
	dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	return contextDialer, nil
}

// newProxyClient returns an HTTP client that sends every request through
// 127.0.0.1:<proxyPort>. Keep-alives are off: each probe should exercise a
// fresh tunnel connection rather than coast on an earlier one.
func newProxyClient(proxyPort int, timeout time.Duration) (*http.Client, error) {
	contextDialer, err := socksContextDialer(proxyPort, timeout)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext:           contextDialer.DialContext,
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// probeTLS dials the target through the proxy and completes a full TLS
// handshake presenting a realistic Chrome ClientHello, then issues the
// request over the verified connection. Certificate problems surface here
// and classify as TLS failures, never as transient connectivity.
func probeTLS(ctx context.Context, proxyPort int, tg Target, timeout time.Duration) (failDetail string, ok bool) {
	target, err := url.Parse(tg.URL)
	if err != nil {
		return fmt.Sprintf("%s: %v", tg.URL, err), false
	}
	host := target.Hostname()
	port := target.Port()
	if port == "" {
		port = "443"
	}

	contextDialer, err := socksContextDialer(proxyPort, timeout)
	if err != nil {
		return err.Error(), false
	}
	raw, err := contextDialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Sprintf("%s: dial: %v", tg.URL, err), false
	}
	defer raw.Close()

	deadline := time.Now().Add(timeout)
	if ctxDeadline, has := ctx.Deadline(); has && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = raw.SetDeadline(deadline)

	// Pin ALPN to HTTP/1.1: the response is read with a plain HTTP/1.1
	// parser, so the Chrome hello must not negotiate h2.
	spec, err := utls.UTLSIdToSpec(utls.HelloChrome_Auto)
	if err != nil {
		return fmt.Sprintf("%s: hello spec: %v", tg.URL, err), false
	}
	for _, ext := range spec.Extensions {
		if alpn, isALPN := ext.(*utls.ALPNExtension); isALPN {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	uconn := utls.UClient(raw, &utls.Config{ServerName: host, NextProtos: []string{"http/1.1"}}, utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		return fmt.Sprintf("%s: apply hello: %v", tg.URL, err), false
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		return fmt.Sprintf("%s: handshake: %v", tg.URL, err), false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tg.URL, nil)
	if err != nil {
		return fmt.Sprintf("%s: %v", tg.URL, err), false
	}
	req.Close = true
	if err := req.Write(uconn); err != nil {
		return fmt.Sprintf("%s: write request: %v", tg.URL, err), false
	}
	resp, err := http.ReadResponse(bufio.NewReader(uconn), req)
	if err != nil {
		return fmt.Sprintf("%s: read response: %v", tg.URL, err), false
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return fmt.Sprintf("%s: read body: %v", tg.URL, err), false
	}
	if !statusMatches(tg.ExpectStatus, resp.StatusCode) {
		return fmt.Sprintf("%s: status %d", tg.URL, resp.StatusCode), false
	}
	if portal, title := detectCaptivePortal(body); portal {
		if title == "" {
			title = "untitled page"
		}
		return fmt.Sprintf("%s: captive portal response (%s)", tg.URL, title), false
	}
	return "", true
}

// fetchDirectIP asks the echo service without any proxy in the path. The
// result is the baseline the egress stage compares tunneled answers against.
func fetchDirectIP(ctx context.Context, echoURL string, timeout time.Duration) string {
	client := &http.Client{Timeout: timeout}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	body, status, err := fetch(reqCtx, client, echoURL)
	if err != nil || !statusMatches(0, status) {
		return ""
	}
	return parseIPEcho(body)
}
