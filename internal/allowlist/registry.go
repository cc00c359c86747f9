package allowlist

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidHost    = errors.New("host not allowed")
	ErrInvalidProject = errors.New("project not allowed")
)

// Options configures a Registry. Entries are trimmed and blank entries are
// dropped.
type Options struct {
	Hosts      []string
	ProjectIDs []string
	DSNs       []string
	// StrictPairs requires a host/project combination to come from the same
	// configured DSN, or both from the explicit lists.
	StrictPairs bool
}

type pair struct {
	host    string
	project string
}

// Registry holds the upstream hosts and project identifiers envelopes may be
// forwarded to. It is immutable after New and safe for concurrent use.
type Registry struct {
	hosts    map[string]struct{}
	projects map[string]struct{}

	explicitHosts    map[string]struct{}
	explicitProjects map[string]struct{}
	pairs            map[pair]struct{}
	strict           bool
}

// New builds a Registry. A configured DSN that cannot be parsed is an error.
func New(opts Options) (*Registry, error) {
	r := &Registry{
		hosts:            make(map[string]struct{}),
		projects:         make(map[string]struct{}),
		explicitHosts:    make(map[string]struct{}),
		explicitProjects: make(map[string]struct{}),
		pairs:            make(map[pair]struct{}),
		strict:           opts.StrictPairs,
	}
	for _, h := range opts.Hosts {
		h = normalizeHost(h)
		if h == "" {
			continue
		}
		r.hosts[h] = struct{}{}
		r.explicitHosts[h] = struct{}{}
	}
	for _, p := range opts.ProjectIDs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		r.projects[p] = struct{}{}
		r.explicitProjects[p] = struct{}{}
	}
	var errs []error
	for _, raw := range opts.DSNs {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := ParseDSN(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("allowed dsn %q: %w", redact(raw), err))
			continue
		}
		r.hosts[d.Host] = struct{}{}
		r.projects[d.ProjectID] = struct{}{}
		r.pairs[pair{host: d.Host, project: d.ProjectID}] = struct{}{}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) HostAllowed(host string) bool {
	_, ok := r.hosts[normalizeHost(host)]
	return ok
}

func (r *Registry) ProjectAllowed(projectID string) bool {
	_, ok := r.projects[projectID]
	return ok
}

// Allowed validates a destination, host first. The project is not consulted
// at all when the host is rejected.
func (r *Registry) Allowed(host, projectID string) error {
	host = normalizeHost(host)
	if _, ok := r.hosts[host]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidHost, host)
	}
	if _, ok := r.projects[projectID]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidProject, projectID)
	}
	if !r.strict {
		return nil
	}
	if _, ok := r.pairs[pair{host: host, project: projectID}]; ok {
		return nil
	}
	_, h := r.explicitHosts[host]
	_, p := r.explicitProjects[projectID]
	if h && p {
		return nil
	}
	return fmt.Errorf("%w: %s not paired with %s", ErrInvalidProject, projectID, host)
}

// Strict reports whether paired validation is enabled.
func (r *Registry) Strict() bool { return r.strict }

// Snapshot returns the sorted host and project sets.
func (r *Registry) Snapshot() (hosts, projects []string) {
	hosts = make([]string, 0, len(r.hosts))
	for h := range r.hosts {
		hosts = append(hosts, h)
	}
	projects = make([]string, 0, len(r.projects))
	for p := range r.projects {
		projects = append(projects, p)
	}
	sort.Strings(hosts)
	sort.Strings(projects)
	return hosts, projects
}

// redact strips userinfo so configuration errors never print keys.
func redact(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "@"); i != -1 {
		if j := strings.Index(raw, "://"); j != -1 && j < i {
			return raw[:j+3] + "***" + raw[i:]
		}
		return "***" + raw[i:]
	}
	return raw
}
