package redirect

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/hashicorp/consul/api"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/mitchellh/mapstructure"
)

// DefaultServerPort is appended to directory entries that carry no port.
const DefaultServerPort = 1247

// HostDirectory maps the host a resource is bound to onto the address of the
// server running there.
type HostDirectory interface {
	Address(ctx context.Context, host string) (string, error)
}

// StaticDirectoryConfig lists host addresses explicitly.
type StaticDirectoryConfig struct {
	// Hosts maps host names to "addr:port". Unlisted hosts use
	// "<host>:<Port>".
	Hosts map[string]string `mapstructure:"hosts"`

	// Port is the default server port. Default: 1247
	Port int `mapstructure:"port"`
}

// StaticDirectory is a HostDirectory backed by a fixed map.
type StaticDirectory struct {
	hosts map[string]string
	port  int
}

// NewStaticDirectory creates a static directory.
func NewStaticDirectory(cfg StaticDirectoryConfig) *StaticDirectory {
	d := &StaticDirectory{hosts: make(map[string]string, len(cfg.Hosts)), port: cfg.Port}
	if d.port <= 0 {
		d.port = DefaultServerPort
	}
	for h, addr := range cfg.Hosts {
		d.hosts[normalizeHost(h)] = addr
	}
	return d
}

// Address implements HostDirectory.
func (d *StaticDirectory) Address(ctx context.Context, host string) (string, error) {
	h := normalizeHost(host)
	if h == "" {
		return "", resource.NewError(resource.ErrRedirection, "empty host")
	}
	if addr, ok := d.hosts[h]; ok {
		return withPort(addr, d.port), nil
	}
	return net.JoinHostPort(h, strconv.Itoa(d.port)), nil
}

func withPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// ConsulDirectoryConfig configures a consul KV backed directory.
type ConsulDirectoryConfig struct {
	// Address of the consul agent. Default: 127.0.0.1:8500
	Address string `mapstructure:"address"`

	Token      string `mapstructure:"token"`
	Datacenter string `mapstructure:"datacenter"`

	// Prefix under which one key per host holds its server address.
	// Default: "stratafs/servers/"
	Prefix string `mapstructure:"prefix"`

	// Port is used for values without a port. Default: 1247
	Port int `mapstructure:"port"`
}

// kvGetter is the subset of *api.KV the directory uses.
type kvGetter interface {
	Get(key string, q *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
}

// ConsulDirectory looks up server addresses in consul KV.
type ConsulDirectory struct {
	kv     kvGetter
	prefix string
	port   int
}

// NewConsulDirectory connects a directory to consul.
func NewConsulDirectory(cfg ConsulDirectoryConfig) (*ConsulDirectory, error) {
	clientConfig := api.DefaultConfig()
	if cfg.Address != "" {
		clientConfig.Address = cfg.Address
	}
	if cfg.Token != "" {
		clientConfig.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		clientConfig.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return newConsulDirectory(client.KV(), cfg), nil
}

func newConsulDirectory(kv kvGetter, cfg ConsulDirectoryConfig) *ConsulDirectory {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "stratafs/servers/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	port := cfg.Port
	if port <= 0 {
		port = DefaultServerPort
	}
	return &ConsulDirectory{kv: kv, prefix: strings.TrimPrefix(prefix, "/"), port: port}
}

// Address implements HostDirectory.
func (d *ConsulDirectory) Address(ctx context.Context, host string) (string, error) {
	h := normalizeHost(host)
	if h == "" {
		return "", resource.NewError(resource.ErrRedirection, "empty host")
	}

	pair, _, err := d.kv.Get(d.prefix+h, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", resource.WrapError(resource.ErrRedirection, err, "consul lookup of host %s", h)
	}
	if pair == nil || len(pair.Value) == 0 {
		return "", resource.NewError(resource.ErrRedirection, "host %s is not registered in consul", h)
	}
	return withPort(strings.TrimSpace(string(pair.Value)), d.port), nil
}

// NewDirectory creates a host directory from its type and type-specific
// configuration map.
//
// Supported types:
//   - "static" (default): StaticDirectoryConfig
//   - "consul": ConsulDirectoryConfig
func NewDirectory(directoryType string, options map[string]any) (HostDirectory, error) {
	switch directoryType {
	case "", "static":
		var cfg StaticDirectoryConfig
		if err := mapstructure.Decode(options, &cfg); err != nil {
			return nil, fmt.Errorf("invalid static directory config: %w", err)
		}
		return NewStaticDirectory(cfg), nil
	case "consul":
		var cfg ConsulDirectoryConfig
		if err := mapstructure.Decode(options, &cfg); err != nil {
			return nil, fmt.Errorf("invalid consul directory config: %w", err)
		}
		return NewConsulDirectory(cfg)
	default:
		return nil, fmt.Errorf("unknown host directory type: %q", directoryType)
	}
}
