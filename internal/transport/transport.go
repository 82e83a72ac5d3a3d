// Package transport builds the network primitive the broker wraps: an
// http.Transport with a DNS cache and optional certificate pinning.
package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultDNSCacheTTL = 5 * time.Minute
)

// Options controls how the base client talks to the gateway.
type Options struct {
	// VerifyTLS checks the server certificate against the system roots.
	// Ignored when Fingerprint is set.
	VerifyTLS bool
	// Fingerprint pins the leaf certificate by SHA-256. Colons and case are
	// ignored.
	Fingerprint string
	Timeout     time.Duration
	DNSCacheTTL time.Duration
}

var (
	resolverOnce sync.Once
	resolver     *dnscache.Resolver
	resolverTTL  = defaultDNSCacheTTL
	resolverMu   sync.Mutex
)

// SetDNSCacheTTL sets how often cached lookups are refreshed. It only has an
// effect before the first connection is dialled.
func SetDNSCacheTTL(ttl time.Duration) {
	resolverMu.Lock()
	defer resolverMu.Unlock()
	if ttl <= 0 {
		ttl = defaultDNSCacheTTL
	}
	resolverTTL = ttl
}

// Resolver returns the process-wide caching resolver.
func Resolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		resolverMu.Lock()
		ttl := resolverTTL
		resolverMu.Unlock()

		resolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for range ticker.C {
				resolver.Refresh(true)
				log.Debug().Dur("ttl", ttl).Msg("DNS cache refreshed")
			}
		}()
		log.Debug().Dur("ttl", ttl).Msg("Initialized DNS resolver cache")
	})
	return resolver
}

// DialContextWithCache dials address after resolving its host through the
// cached resolver. Literal IPs skip the lookup.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if net.ParseIP(host) != nil {
		return dialer.DialContext(ctx, network, address)
	}

	ips, err := Resolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// NormalizeFingerprint lowercases fp and removes colons.
func NormalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}

// FingerprintVerifier returns a TLS config that accepts exactly the leaf
// certificate with the given SHA-256 fingerprint.
func FingerprintVerifier(fingerprint string) *tls.Config {
	expected := NormalizeFingerprint(fingerprint)

	return &tls.Config{
		InsecureSkipVerify: true, // replaced by the pin check below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("no certificates presented by server")
			}
			sum := sha256.Sum256(rawCerts[0])
			actual := hex.EncodeToString(sum[:])
			if actual != expected {
				return fmt.Errorf("certificate fingerprint mismatch: expected %s, got %s", expected, actual)
			}
			return nil
		},
	}
}

// NewTransport returns the base round tripper.
func NewTransport(opts Options) *http.Transport {
	SetDNSCacheTTL(opts.DNSCacheTTL)

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialContext:           DialContextWithCache,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch {
	case opts.Fingerprint != "":
		transport.TLSClientConfig = FingerprintVerifier(opts.Fingerprint)
	case !opts.VerifyTLS:
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return transport
}

// NewClient returns an http.Client over NewTransport. The timeout bounds
// each send rather than the whole exchange, so a gate wrapped around the
// client's transport can wait on a person without a deadline. Timeouts of
// zero or less use the default.
func NewClient(opts Options) *http.Client {
	return &http.Client{
		Transport: WithSendTimeout(NewTransport(opts), opts.Timeout),
	}
}

// WithSendTimeout bounds every round trip through next, from dialling until
// the response body is closed.
func WithSendTimeout(next http.RoundTripper, timeout time.Duration) http.RoundTripper {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &sendTimeout{next: next, timeout: timeout}
}

type sendTimeout struct {
	next    http.RoundTripper
	timeout time.Duration
}

func (t *sendTimeout) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), t.timeout)
	resp, err := t.next.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the send deadline once the body is done with.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
