package aql

import (
	"github.com/aep/sdbp/client"
)

// RangeParams converts the query into iterator parameters for its table.
func (q *Query) RangeParams() client.RangeParams {
	p := client.Range().
		Prefix(q.Prefix).
		StartKey(q.Start).
		EndKey(q.End).
		Count(q.Count)
	if q.Backward {
		p = p.Backward()
	}
	if q.Granularity > 0 {
		p = p.Granularity(q.Granularity)
	}
	return p
}
