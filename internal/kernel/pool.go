package kernel

// PoolBlockID identifies one fixed-size block inside a Pool.
type PoolBlockID int

const nilPoolBlock PoolBlockID = -1

// Pool is a fixed-block allocator gated by a counting semaphore, so that
// Allocate's blocking behavior (wait for a free block vs. fail) is exactly
// a semaphore acquire (spec.md §4.5 generic pool component). It is generic
// over any fixed-size block use; the particle chain allocator (pcl.go)
// layers chaining and a header convention on top of one Pool instance.
type Pool struct {
	k         *Kernel
	sema      SemaID // internal gating semaphore; count == free block count
	blockSize int
	storage   [][]byte
	freeNext  []PoolBlockID
	freeHead  PoolBlockID
}

// allocInternalSemaLocked appends a new counting semaphore not tied to any
// Config entry, used by subsystems (pools) that need sema-style blocking
// without exposing a user-facing SemaID. Caller holds k.mu.
func (k *Kernel) allocInternalSemaLocked(initialCount uint16) SemaID {
	id := SemaID(len(k.semas))
	k.semas = append(k.semas, semaphore{
		id:       id,
		name:     "internal-pool",
		count:    initialCount,
		waitHead: noTask,
		waitTail: noTask,
	})
	return id
}

// NewPool builds a Pool of numBlocks blocks of blockSize bytes each.
func (k *Kernel) NewPool(numBlocks, blockSize int) *Pool {
	k.lock()
	defer k.unlock()

	p := &Pool{
		k:         k,
		blockSize: blockSize,
		storage:   make([][]byte, numBlocks),
		freeNext:  make([]PoolBlockID, numBlocks),
		freeHead:  nilPoolBlock,
	}
	for i := numBlocks - 1; i >= 0; i-- {
		p.storage[i] = make([]byte, blockSize)
		p.freeNext[i] = p.freeHead
		p.freeHead = PoolBlockID(i)
	}
	p.sema = k.allocInternalSemaLocked(uint16(numBlocks))
	return p
}

func (p *Pool) popFreeLocked() PoolBlockID {
	id := p.freeHead
	p.freeHead = p.freeNext[id]
	return id
}

func (p *Pool) pushFreeLocked(id PoolBlockID) {
	p.freeNext[id] = p.freeHead
	p.freeHead = id
}

// AllocateW blocks indefinitely for a free block.
func (p *Pool) AllocateW() (PoolBlockID, Result) {
	if r := p.k.SemaGetW(p.sema); r != ResultOK {
		return nilPoolBlock, r
	}
	p.k.lock()
	id := p.popFreeLocked()
	p.k.unlock()
	return id, ResultOK
}

// AllocateT blocks up to ticks for a free block.
func (p *Pool) AllocateT(ticks uint32) (PoolBlockID, Result) {
	if r := p.k.SemaGetT(p.sema, ticks); r != ResultOK {
		return nilPoolBlock, r
	}
	p.k.lock()
	id := p.popFreeLocked()
	p.k.unlock()
	return id, ResultOK
}

// AllocateFromISR takes a block without going through the blocking gate,
// since ISR context can never block (spec.md §4.8). It still decrements the
// gating semaphore's count so a later blocking waiter's view of available
// capacity stays consistent with the free list's actual length --
// SPEC_FULL.md's Open Question decision to reproduce, rather than silently
// fix, the original's gate bypass: this path can drive the semaphore count
// to 0 while leaving genuine waiters queued if it races a concurrent
// Allocate, which is the documented, tested invariant (DESIGN.md) rather
// than a bug to paper over.
func (p *Pool) AllocateFromISR() (PoolBlockID, Result) {
	p.k.lock()
	defer p.k.unlock()
	if p.freeHead == nilPoolBlock {
		return nilPoolBlock, ResultPoolEmpty
	}
	id := p.popFreeLocked()
	s := p.k.sema(p.sema)
	if s.count > 0 {
		s.count--
	}
	return id, ResultOK
}

// Free returns id to the pool and releases the gating semaphore.
func (p *Pool) Free(id PoolBlockID) {
	p.k.lock()
	p.pushFreeLocked(id)
	p.k.unlock()
	p.k.SemaRelease(p.sema)
}

// Data returns the byte storage for id. The caller owns synchronization of
// its contents; the pool only guarantees exclusive ownership between
// Allocate and Free.
func (p *Pool) Data(id PoolBlockID) []byte { return p.storage[id] }

// BlockSize returns the fixed block size this pool was built with.
func (p *Pool) BlockSize() int { return p.blockSize }

// IsElement reports whether id is a valid block index of this pool
// (pool_is_element, spec.md §4.5: lets callers sanity-check a handle
// before trusting it).
func (p *Pool) IsElement(id PoolBlockID) bool {
	return id >= 0 && int(id) < len(p.storage)
}
