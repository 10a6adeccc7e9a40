package virtqueue

import "sync"

// The queue's mutable state (free stack, consumption cursor, available ring
// producer state) is shared between mainline submitters and the interrupt
// dispatch path, which may interleave on one core or run concurrently across
// cores. A plain non-reentrant mutex serializes them. The alias keeps the
// door open for an instrumented variant behind a build tag.
type syncMutex = sync.Mutex
