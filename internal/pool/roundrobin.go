package pool

// roundRobin walks the pool in address order using the pool's cursor.
// Load counters are ignored.
type roundRobin struct{}

func (roundRobin) Name() string                  { return RoundRobinName }
func (roundRobin) Select(p *ServerPool) *Backend { return p.SelectRoundRobin() }
func (roundRobin) TracksLoad() bool              { return false }
