package pool

// leastConnections routes to the backend with the fewest in-flight requests.
// Ties go to the backend listed first.
type leastConnections struct{}

func (leastConnections) Name() string                  { return LeastConnectionsName }
func (leastConnections) Select(p *ServerPool) *Backend { return p.SelectLeastLoaded() }
func (leastConnections) TracksLoad() bool              { return true }
