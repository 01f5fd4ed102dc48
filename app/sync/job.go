package sync

import "context"

// Job is one unit of remote work. Key is an explicit value-based identity
// (kind plus parameters) used for queue deduplication: two jobs with equal
// keys are the same work. Bulk jobs run on the dedicated content worker so
// low-priority batches never starve interactive sync.
type Job interface {
	Run(ctx context.Context) error
	Kind() string
	Key() string
	Bulk() bool
}

type base struct {
	kind string
	key  string
	bulk bool
}

func newBase(kind, key string) base {
	return base{kind: kind, key: key}
}

func newBulkBase(kind, key string) base {
	return base{kind: kind, key: key, bulk: true}
}

func (b base) Kind() string { return b.kind }
func (b base) Key() string  { return b.key }
func (b base) Bulk() bool   { return b.bulk }
