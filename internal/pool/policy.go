package pool

import "fmt"

// Policy chooses the next backend given the pool's current state.
// TracksLoad reports whether the caller must pair each selection with
// RecordStart and RecordEnd.
type Policy interface {
	Name() string
	Select(p *ServerPool) *Backend
	TracksLoad() bool
}

// Policy names accepted by ParsePolicy.
const (
	RoundRobinName       = "round_robin"
	LeastConnectionsName = "least_connections"
)

// RoundRobin returns the policy that visits backends in list order,
// ignoring load.
func RoundRobin() Policy { return roundRobin{} }

// LeastConnections returns the policy that picks the backend with the fewest
// in-flight requests; ties go to the lowest index.
func LeastConnections() Policy { return leastConnections{} }

// ParsePolicy maps a configuration name to a Policy. An empty name selects
// round robin.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case RoundRobinName, "":
		return RoundRobin(), nil
	case LeastConnectionsName:
		return LeastConnections(), nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrConfiguration, name)
	}
}
