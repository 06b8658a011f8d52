package channel

import "strconv"

// refCounter hands out "1", "2", ... for the lifetime of one connection.
type refCounter struct {
	n uint64
}

func (r *refCounter) next() string {
	r.n++
	return strconv.FormatUint(r.n, 10)
}
