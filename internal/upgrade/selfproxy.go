package upgrade

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/chis/portwatch/internal/logging"
)

// maybeRebaseForSelfProxy detects the case where the container being upgraded
// is the reverse proxy this application reaches Portainer through. Stopping
// it would sever the management connection mid-upgrade, so all subsequent
// calls are redirected to a direct address first.
//
// The operator-configured ProxyFallbackURL is the reliable path. Without it,
// and only when AllowIPScan is enabled, the target's own network addresses
// are probed as a best-effort guess; a failed guess leaves the original
// client in place.
func (o *Orchestrator) maybeRebaseForSelfProxy(ctx context.Context, client PortainerAPI, req Request, inspect container.InspectResponse, log *logging.Logger) PortainerAPI {
	if o.cfg.ProxyImagePattern == "" || o.rebase == nil {
		return client
	}
	if !strings.Contains(strings.ToLower(imageOf(inspect)), strings.ToLower(o.cfg.ProxyImagePattern)) {
		return client
	}

	log.Warn("upgrade target %s matches proxy image pattern %q, switching to direct portainer access", containerNameOf(inspect), o.cfg.ProxyImagePattern)

	if o.cfg.ProxyFallbackURL != "" {
		direct := o.rebase(req.InstanceURL, o.cfg.ProxyFallbackURL)
		if err := o.probePortainer(ctx, direct.BaseURL()); err != nil {
			log.Error("configured fallback %s is unreachable: %v, continuing through the proxy", o.cfg.ProxyFallbackURL, err)
			return client
		}
		return direct
	}

	if !o.cfg.AllowIPScan {
		log.Warn("no proxy fallback URL configured and IP scan disabled, upgrade will proceed through the proxy and may lose connectivity")
		return client
	}

	if direct := o.scanForDirectAccess(ctx, req.InstanceURL, inspect, log); direct != nil {
		return direct
	}
	log.Warn("no direct portainer address found by scanning, continuing through the proxy")
	return client
}

// scanForDirectAccess tries the proxy container's own network gateways and
// addresses as candidate Portainer hosts, keeping the original scheme and
// port. Heuristic only.
func (o *Orchestrator) scanForDirectAccess(ctx context.Context, instanceURL string, inspect container.InspectResponse, log *logging.Logger) PortainerAPI {
	parsed, err := url.Parse(instanceURL)
	if err != nil {
		return nil
	}
	port := parsed.Port()
	if port == "" {
		if parsed.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}

	for _, candidate := range candidateAddresses(inspect) {
		directURL := fmt.Sprintf("%s://%s", parsed.Scheme, net.JoinHostPort(candidate, port))
		if err := o.probePortainer(ctx, directURL); err != nil {
			continue
		}
		log.Info("found direct portainer access at %s", directURL)
		return o.rebase(instanceURL, directURL)
	}
	return nil
}

func candidateAddresses(inspect container.InspectResponse) []string {
	var addrs []string
	seen := map[string]bool{}
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	if inspect.NetworkSettings != nil {
		for _, endpoint := range inspect.NetworkSettings.Networks {
			if endpoint == nil {
				continue
			}
			add(endpoint.Gateway)
			add(endpoint.IPAddress)
		}
	}
	return addrs
}

// probePortainer checks that a Portainer API answers at the given base URL.
// The status endpoint is unauthenticated, so any well-formed response means
// the address is usable.
func (o *Orchestrator) probePortainer(ctx context.Context, baseURL string) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/system/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	return nil
}
