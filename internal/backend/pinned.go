package backend

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/fieldscout/synccore/internal/errors"
)

// PinnedClient talks to the isolated hardware endpoint. The endpoint is
// reachable only on the access point's local subnet, and the OS may
// prefer a cellular path for general routing, so the transport dials
// through the interface that carries the access-point association
// instead of the default route.
type PinnedClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewPinnedClient builds a client whose dials bind to the given
// interface. An empty interface name falls back to default routing,
// which is only useful in tests.
func NewPinnedClient(baseURL, ifaceName string, timeout time.Duration) *PinnedClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if ifaceName != "" {
			local, err := interfaceAddr(ifaceName)
			if err != nil {
				return nil, err
			}
			d := *dialer
			d.LocalAddr = &net.TCPAddr{IP: local}
			return d.DialContext(ctx, network, addr)
		}
		return dialer.DialContext(ctx, network, addr)
	}

	return &PinnedClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:       dial,
				DisableKeepAlives: true,
			},
		},
	}
}

// interfaceAddr resolves the first IPv4 address of a named interface.
// Looked up per dial because the address changes on re-association.
func interfaceAddr(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("backend: interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("backend: addresses of %s: %w", name, err)
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if v4 := ipnet.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, fmt.Errorf("backend: interface %s has no IPv4 address", name)
}

// Get fetches a path from the hardware endpoint.
func (p *PinnedClient) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: building hardware request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: hardware %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("backend: reading hardware response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apperrors.HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// Probe checks whether the hardware endpoint answers on this interface.
// Callers feed the result into the connectivity classifier's isolated
// access point corroboration hook.
func (p *PinnedClient) Probe(ctx context.Context) bool {
	_, err := p.Get(ctx, "/status")
	return err == nil
}
