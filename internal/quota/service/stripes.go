package service

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

const stripeCount = 64

// stripedMutex serializes work per subscription without a global lock.
type stripedMutex struct {
	stripes [stripeCount]sync.Mutex
}

func (m *stripedMutex) lock(id snowflake.ID) func() {
	mu := &m.stripes[uint64(id)%stripeCount]
	mu.Lock()
	return mu.Unlock
}
