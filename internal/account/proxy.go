package account

import gateway "github.com/lockgate-ai/lockgate/internal"

// ResolveProxy applies the egress proxy resolution rule for one account:
// binding disabled -> direct; enabled with an id -> that proxy; enabled
// without an id -> the system default. A missing or disabled resolved proxy
// falls back to direct.
func ResolveProxy(account *gateway.Account, settings *gateway.ProxySettings) *gateway.ProxyConfig {
	if account == nil || !account.ProxyEnabled || settings == nil {
		return nil
	}
	id := account.ProxyID
	if id == "" {
		id = settings.DefaultID
	}
	if id == "" {
		return nil
	}
	p, ok := settings.Proxies[id]
	if !ok || !p.Enabled {
		return nil
	}
	return &p
}
