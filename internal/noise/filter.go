package noise

import (
	"strconv"
	"strings"

	"tracegraph/pkg/models"
)

// Config is the immutable blocklist configuration behind the filter. Empty
// fields fall back to the defaults at construction time.
type Config struct {
	Paths       []string `yaml:"paths"`
	Prefixes    []string `yaml:"prefixes"`
	Binaries    []string `yaml:"binaries"`
	DNSPorts    []int    `yaml:"dns_ports"`
	ResolverIPs []string `yaml:"resolver_ips"`
}

// DefaultConfig returns the stock blocklists: shared-library and system
// trees, high-degree shell binaries, and resolver traffic.
func DefaultConfig() Config {
	return Config{
		Paths: []string{
			"/etc/ld.so.cache",
			"/etc/localtime",
		},
		Prefixes: []string{
			"/lib/",
			"/usr/lib/",
			"/usr/share/",
			"/proc/",
			"/sys/",
			"/dev/",
			"/run/",
			"/var/lib/",
			"/snap/",
		},
		Binaries: []string{
			"/usr/bin/sudo",
			"/bin/sudo",
			"/usr/bin/bash",
			"/bin/bash",
		},
		DNSPorts:    []int{53, 5353},
		ResolverIPs: []string{"127.0.0.53"},
	}
}

// Filter decides whether a subject or relation is operationally
// uninteresting. Pure predicates over a static configuration.
type Filter struct {
	paths       map[string]struct{}
	prefixes    []string
	binaries    map[string]struct{}
	dnsPorts    map[int]struct{}
	resolverIPs map[string]struct{}
}

// NewFilter builds a filter from cfg. A zero-valued section uses the
// corresponding default blocklist.
func NewFilter(cfg Config) *Filter {
	def := DefaultConfig()
	if len(cfg.Paths) == 0 {
		cfg.Paths = def.Paths
	}
	if len(cfg.Prefixes) == 0 {
		cfg.Prefixes = def.Prefixes
	}
	if len(cfg.Binaries) == 0 {
		cfg.Binaries = def.Binaries
	}
	if len(cfg.DNSPorts) == 0 {
		cfg.DNSPorts = def.DNSPorts
	}
	if len(cfg.ResolverIPs) == 0 {
		cfg.ResolverIPs = def.ResolverIPs
	}

	f := &Filter{
		paths:       make(map[string]struct{}, len(cfg.Paths)),
		prefixes:    append([]string(nil), cfg.Prefixes...),
		binaries:    make(map[string]struct{}, len(cfg.Binaries)),
		dnsPorts:    make(map[int]struct{}, len(cfg.DNSPorts)),
		resolverIPs: make(map[string]struct{}, len(cfg.ResolverIPs)),
	}
	for _, p := range cfg.Paths {
		f.paths[p] = struct{}{}
	}
	for _, b := range cfg.Binaries {
		f.binaries[b] = struct{}{}
	}
	for _, p := range cfg.DNSPorts {
		f.dnsPorts[p] = struct{}{}
	}
	for _, ip := range cfg.ResolverIPs {
		f.resolverIPs[ip] = struct{}{}
	}
	return f
}

// NoisyPath reports whether a file path is system noise. Empty paths are
// noise: a node with no usable identity cannot be investigated.
func (f *Filter) NoisyPath(path string) bool {
	if path == "" {
		return true
	}
	if _, ok := f.paths[path]; ok {
		return true
	}
	if _, ok := f.binaries[path]; ok {
		return true
	}
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// NoisySocket reports whether an addr:port socket identity is resolver
// traffic.
func (f *Filter) NoisySocket(addr string) bool {
	if addr == "" {
		return false
	}
	host, port := splitHostPort(addr)
	if _, ok := f.dnsPorts[port]; ok {
		return true
	}
	if _, ok := f.resolverIPs[host]; ok {
		return true
	}
	return false
}

// NoisyExe reports whether a process executable is a blocklisted binary.
func (f *Filter) NoisyExe(exe string) bool {
	if exe == "" {
		return false
	}
	_, ok := f.binaries[exe]
	return ok
}

// NoisyNode decides whether a candidate node should be excluded from a
// trace. ev is the event that referenced the node and supplies attributes
// the key alone does not carry (a process node's executable, a file node's
// path when keyed by inode).
func (f *Filter) NoisyNode(key models.NodeKey, ev *models.Event) bool {
	switch key.Type {
	case models.NodeProcess:
		if ev != nil && ev.PID > 0 && key.ID == strconv.Itoa(ev.PID) {
			return f.NoisyExe(ev.Exe)
		}
		return false
	case models.NodeFile:
		if f.NoisyPath(key.ID) {
			return true
		}
		if ev != nil && ev.FilePath != "" && f.NoisyPath(ev.FilePath) {
			return true
		}
		return false
	case models.NodeSocket:
		return f.NoisySocket(key.ID)
	}
	return false
}

// NoisyEdge decides whether a relation is uninteresting independent of its
// endpoints, currently resolver lookups.
func (f *Filter) NoisyEdge(action string, target models.NodeKey) bool {
	if target.Type == models.NodeSocket && f.NoisySocket(target.ID) {
		return true
	}
	return false
}

func splitHostPort(addr string) (string, int) {
	idx := strings.LastIndex(addr, ":")
	if idx <= 0 {
		return addr, 0
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return addr, 0
	}
	return addr[:idx], port
}
