// Package allocator tracks exclusive host resources (TCP ports) leased to
// running services, across every project managed by one controller.
package allocator

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	apperrors "devspin/internal/errors"
	"devspin/pkg/logging"
)

// ResourceKind identifies the kind of leased resource.
type ResourceKind string

const (
	ResourceTCPPort ResourceKind = "tcp_port"
)

// Lease is an exclusive claim of a resource by one service of one project.
type Lease struct {
	Kind       ResourceKind `yaml:"kind" json:"kind"`
	Value      int          `yaml:"value" json:"value"`
	Project    string       `yaml:"project" json:"project"`
	Service    string       `yaml:"service" json:"service"`
	AcquiredAt time.Time    `yaml:"acquired_at" json:"acquired_at"`
}

// LeaseSet is the group of leases acquired by one reservation.
type LeaseSet []Lease

// Ports returns the leased port numbers.
func (ls LeaseSet) Ports() []int {
	ports := make([]int, 0, len(ls))
	for _, l := range ls {
		if l.Kind == ResourceTCPPort {
			ports = append(ports, l.Value)
		}
	}
	return ports
}

// PortProbe reports whether a port can currently be bound on the host.
type PortProbe func(port int) error

// ListenProbe tries to bind the port on all interfaces and closes the
// listener immediately. A successful probe is only a hint: another process
// can bind the port before the service does.
func ListenProbe(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}

// Conflict describes one port that cannot be reserved.
type Conflict struct {
	Port   int
	Holder string // "project/service" for leased ports, empty for foreign processes
	Err    error
}

func (c Conflict) Error() string {
	if c.Holder != "" {
		return fmt.Sprintf("port %d is leased by %s", c.Port, c.Holder)
	}
	if c.Err != nil {
		return fmt.Sprintf("port %d is not bindable: %v", c.Port, c.Err)
	}
	return fmt.Sprintf("port %d is unavailable", c.Port)
}

type key struct {
	kind  ResourceKind
	value int
}

// Allocator is the lease table. It is safe for concurrent use.
type Allocator struct {
	mu     sync.Mutex
	leases map[key]Lease
	probe  PortProbe
	now    func() time.Time
}

// New creates an allocator. A nil probe defaults to ListenProbe.
func New(probe PortProbe) *Allocator {
	if probe == nil {
		probe = ListenProbe
	}
	return &Allocator{
		leases: make(map[key]Lease),
		probe:  probe,
		now:    time.Now,
	}
}

// Reserve atomically leases every port for the given service. Either all
// ports are leased or none are. A port already leased to the same
// project/service is re-acquired without probing.
func (a *Allocator) Reserve(projectName, service string, ports []int) (LeaseSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if conflicts := a.check(projectName, service, ports); len(conflicts) > 0 {
		c := conflicts[0]
		logging.Debug("Allocator", "Reservation for %s/%s rejected: %v", projectName, service, c)
		return nil, apperrors.ErrPortUnavailable(service, c.Port, c)
	}

	now := a.now()
	set := make(LeaseSet, 0, len(ports))
	for _, p := range ports {
		l := Lease{Kind: ResourceTCPPort, Value: p, Project: projectName, Service: service, AcquiredAt: now}
		a.leases[key{ResourceTCPPort, p}] = l
		set = append(set, l)
	}
	if len(set) > 0 {
		logging.Debug("Allocator", "Leased ports %v to %s/%s", set.Ports(), projectName, service)
	}
	return set, nil
}

// Check reports every conflict Reserve would hit without leasing anything.
func (a *Allocator) Check(projectName, service string, ports []int) []Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.check(projectName, service, ports)
}

func (a *Allocator) check(projectName, service string, ports []int) []Conflict {
	var conflicts []Conflict
	requested := make(map[int]bool, len(ports))
	for _, p := range ports {
		if requested[p] {
			conflicts = append(conflicts, Conflict{Port: p, Holder: projectName + "/" + service})
			continue
		}
		requested[p] = true

		if held, ok := a.leases[key{ResourceTCPPort, p}]; ok {
			if held.Project == projectName && held.Service == service {
				continue
			}
			conflicts = append(conflicts, Conflict{Port: p, Holder: held.Project + "/" + held.Service})
			continue
		}
		if err := a.probe(p); err != nil {
			conflicts = append(conflicts, Conflict{Port: p, Err: err})
		}
	}
	return conflicts
}

// Release returns the leases of one service. Unknown leases are ignored.
func (a *Allocator) Release(projectName, service string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, l := range a.leases {
		if l.Project == projectName && l.Service == service {
			delete(a.leases, k)
		}
	}
}

// ReleaseProject returns every lease held by a project.
func (a *Allocator) ReleaseProject(projectName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, l := range a.leases {
		if l.Project == projectName {
			delete(a.leases, k)
		}
	}
}

// Adopt installs leases recorded by an earlier invocation so that ports of
// projects still running are not handed out again. Leases already held by
// another owner are left untouched.
func (a *Allocator) Adopt(leases []Lease) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range leases {
		k := key{l.Kind, l.Value}
		if held, ok := a.leases[k]; ok && (held.Project != l.Project || held.Service != l.Service) {
			logging.Warn("Allocator", "Ignoring recorded lease of port %d for %s/%s: held by %s/%s",
				l.Value, l.Project, l.Service, held.Project, held.Service)
			continue
		}
		a.leases[k] = l
	}
}

// Leases returns the leases of a project, or of all projects when
// projectName is empty, sorted by value.
func (a *Allocator) Leases(projectName string) []Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Lease
	for _, l := range a.leases {
		if projectName == "" || l.Project == projectName {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// Holder returns the lease of a port, if any.
func (a *Allocator) Holder(port int) (Lease, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.leases[key{ResourceTCPPort, port}]
	return l, ok
}
