// Package proxy resolves the outbound proxy the agent would use.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/net/http/httpproxy"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

// Agent-specific variable names, shared by the environment and the proxy file.
const (
	EnvAddress  = "MDSD_PROXY_ADDRESS"
	EnvUsername = "MDSD_PROXY_USERNAME"
	EnvPassword = "MDSD_PROXY_PASSWORD"
)

// Setting names read from the AgentSettings document.
const (
	SettingAddress  = "ProxyAddress"
	SettingUsername = "ProxyUsername"
	SettingPassword = "ProxyPassword"
)

// Config is the effective proxy for a run. The zero value means direct.
type Config struct {
	Address  string
	Username string
	Password string
	NoProxy  string
}

// Configured reports whether traffic goes through a proxy.
func (c Config) Configured() bool { return c.Address != "" }

// Authenticated reports whether the proxy requires credentials.
func (c Config) Authenticated() bool { return c.Configured() && c.Username != "" }

// URL returns the proxy URL including credentials.
func (c Config) URL() (*url.URL, error) {
	if !c.Configured() {
		return nil, nil
	}
	u, err := parseAddress(c.Address)
	if err != nil {
		return nil, err
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u, nil
}

// ProxyFor returns the proxy to use for an HTTPS request to host, honoring
// NO_PROXY exclusions. A nil URL means connect directly.
func (c Config) ProxyFor(host string) (*url.URL, error) {
	u, err := c.URL()
	if err != nil || u == nil {
		return nil, err
	}
	pc := httpproxy.Config{HTTPSProxy: u.String(), NoProxy: c.NoProxy}
	return pc.ProxyFunc()(&url.URL{Scheme: "https", Host: host})
}

// Redacted renders the proxy without its password.
func (c Config) Redacted() string {
	if !c.Configured() {
		return "direct"
	}
	u, err := parseAddress(c.Address)
	if err != nil {
		return c.Address
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, "REDACTED")
	}
	return u.String()
}

// Source holds the fields one configuration source defines. Nil fields are
// left untouched when the source is applied.
type Source struct {
	Name     string
	Address  *string
	Username *string
	Password *string
	NoProxy  *string
}

// Resolve applies sources in order, field by field.
func Resolve(sources ...Source) Config {
	var cfg Config
	for _, src := range sources {
		if src.Address != nil {
			cfg.Address = *src.Address
		}
		if src.Username != nil {
			cfg.Username = *src.Username
		}
		if src.Password != nil {
			cfg.Password = *src.Password
		}
		if src.NoProxy != nil {
			cfg.NoProxy = *src.NoProxy
		}
	}
	return cfg
}

// FromEnvironment reads the standard proxy variables followed by the agent's
// own, which take precedence.
func FromEnvironment(getenv func(string) string) Source {
	if getenv == nil {
		getenv = os.Getenv
	}
	std := httpproxy.Config{
		HTTPSProxy: firstNonEmpty(getenv("HTTPS_PROXY"), getenv("https_proxy")),
		HTTPProxy:  firstNonEmpty(getenv("HTTP_PROXY"), getenv("http_proxy")),
		NoProxy:    firstNonEmpty(getenv("NO_PROXY"), getenv("no_proxy")),
	}
	address := firstNonEmpty(getenv(EnvAddress), std.HTTPSProxy, std.HTTPProxy)
	src := fromValues("environment", address, getenv(EnvUsername), getenv(EnvPassword))
	if std.NoProxy != "" {
		src.NoProxy = &std.NoProxy
	}
	return src
}

// FromFile reads an env-style proxy file. A missing file contributes nothing.
func FromFile(path string) (Source, error) {
	empty := Source{Name: "file"}
	if path == "" {
		return empty, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty, nil
		}
		return empty, fmt.Errorf("read proxy file %q: %w", path, err)
	}
	return fromValues("file", values[EnvAddress], values[EnvUsername], values[EnvPassword]), nil
}

// FromSettings reads the proxy fields of the merged agent settings.
func FromSettings(settings types.AgentSettings) Source {
	address, _ := settings.Lookup(SettingAddress)
	username, _ := settings.Lookup(SettingUsername)
	password, _ := settings.Lookup(SettingPassword)
	return fromValues("settings", address, username, password)
}

// fromValues builds a sparse source. Credentials embedded in the address fill
// the username and password only when the source does not set them itself.
func fromValues(name, address, username, password string) Source {
	src := Source{Name: name}
	if address = strings.TrimSpace(address); address != "" {
		bare := address
		if u, err := parseAddress(address); err == nil && u.User != nil {
			if username == "" {
				username = u.User.Username()
			}
			if pw, ok := u.User.Password(); ok && password == "" {
				password = pw
			}
			u.User = nil
			bare = u.String()
		}
		src.Address = &bare
	}
	if username != "" {
		src.Username = &username
	}
	if password != "" {
		src.Password = &password
	}
	return src
}

func parseAddress(address string) (*url.URL, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse proxy address: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy address %q has no host", address)
	}
	return u, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
