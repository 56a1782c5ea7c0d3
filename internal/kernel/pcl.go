package kernel

// pclHeaderBytes is the space a chain's first particle reserves for the
// caller's own record header when with_header is set (spec.md §4.6
// alloc_chain_wt: "first buffer holds element_size - header_size user
// bytes if with_header, else element_size"). It is purely a capacity
// concession to the caller's framing, not kernel bookkeeping: a chain's
// own length/particle-count accounting lives out-of-band in particleMeta
// below, so it never competes with this reserved space.
const pclHeaderBytes = 8

// particleMeta is the chain-link state for one particle arena slot. The
// underlying byte storage and free/allocated bookkeeping live in the
// generic Pool (pool.go); this tracks how slots are threaded together into
// chains, how much of each slot's payload area is in use, and -- on the
// head particle only -- the chain-wide fields a chain is addressed by its
// head pclID for (hasHeader/totalLen/numPcls).
type particleMeta struct {
	next pclID
	used int // bytes of payload currently written in this particle

	hasHeader bool // with_header, as passed to AllocChainWT; head particle only
	totalLen  int  // chain's total payload length; head particle only
	numPcls   int  // particle count backing the chain; head particle only
}

func toPcl(id PoolBlockID) pclID {
	if id == nilPoolBlock {
		return nilPcl
	}
	return pclID(id)
}

func toPoolBlock(id pclID) PoolBlockID {
	if id == nilPcl {
		return nilPoolBlock
	}
	return PoolBlockID(id)
}

func (k *Kernel) initParticles() {
	if k.cfg.NumPcls == 0 {
		return
	}
	k.pclPool = k.NewPool(k.cfg.NumPcls, k.cfg.PclSize)
	k.pclMeta = make([]particleMeta, k.cfg.NumPcls)
}

// pclCap returns the usable payload capacity of one particle in the chain
// rooted at head: a head particle gives up pclHeaderBytes of its capacity
// when that chain was allocated with_header, every other particle (and
// every particle of a headerless chain) is fully usable.
func (k *Kernel) pclCap(head pclID, isHead bool) int {
	if isHead && k.pclMeta[head].hasHeader {
		return k.cfg.PclSize - pclHeaderBytes
	}
	return k.cfg.PclSize
}

func (k *Kernel) headCap(withHeader bool) int {
	if withHeader {
		return k.cfg.PclSize - pclHeaderBytes
	}
	return k.cfg.PclSize
}

// AllocChainWT allocates a chain of particles with total payload capacity
// totalLen, blocking (indefinitely, or up to ticks if hasTimeout) as
// needed for each particle in turn. withHeader reserves pclHeaderBytes of
// the first particle for the caller's own record header (spec.md §4.6);
// pass false for a chain whose first particle should offer full capacity
// to the caller instead. On failure, any particles already claimed for
// this chain are returned to the pool before the error is reported, so a
// partial allocation never leaks.
func (k *Kernel) AllocChainWT(totalLen int, withHeader bool, hasTimeout bool, ticks uint32) (pclID, Result) {
	k.requireAPI(k.pclPool != nil, "AllocChainWT: no particle pool configured (NumPcls == 0)")
	if totalLen < 0 {
		return nilPcl, ResultInvalid
	}
	need := k.particlesNeeded(totalLen, withHeader)
	if need == 0 {
		need = 1
	}

	var head, tail pclID = nilPcl, nilPcl
	for i := 0; i < need; i++ {
		var id PoolBlockID
		var r Result
		if hasTimeout {
			id, r = k.pclPool.AllocateT(ticks)
		} else {
			id, r = k.pclPool.AllocateW()
		}
		if r != ResultOK {
			k.FreeChain(head)
			return nilPcl, r
		}
		p := toPcl(id)
		k.pclMeta[p] = particleMeta{next: nilPcl, used: 0}
		if head == nilPcl {
			head = p
		} else {
			k.pclMeta[tail].next = p
		}
		tail = p
	}

	k.pclMeta[head].hasHeader = withHeader
	k.pclMeta[head].totalLen = totalLen
	k.pclMeta[head].numPcls = need
	return head, ResultOK
}

func (k *Kernel) particlesNeeded(totalLen int, withHeader bool) int {
	headCap := k.headCap(withHeader)
	if totalLen <= headCap {
		return 1
	}
	remaining := totalLen - headCap
	restCap := k.cfg.PclSize
	return 1 + (remaining+restCap-1)/restCap
}

// ChainLen returns the total payload length recorded for a chain.
func (k *Kernel) ChainLen(head pclID) int {
	return k.pclMeta[head].totalLen
}

func (k *Kernel) chainCount(head pclID) int {
	return k.pclMeta[head].numPcls
}

// LengthenChainWT grows an existing chain to hold newTotalLen bytes total,
// allocating additional particles (blocking as configured) and updating
// the chain's recorded length, preserving whatever with_header it was
// originally allocated with.
func (k *Kernel) LengthenChainWT(head pclID, newTotalLen int, hasTimeout bool, ticks uint32) Result {
	cur := k.ChainLen(head)
	if newTotalLen <= cur {
		return ResultOK
	}
	withHeader := k.pclMeta[head].hasHeader
	need := k.particlesNeeded(newTotalLen, withHeader)
	have := k.chainCount(head)
	tail := head
	for k.pclMeta[tail].next != nilPcl {
		tail = k.pclMeta[tail].next
	}
	for i := have; i < need; i++ {
		var id PoolBlockID
		var r Result
		if hasTimeout {
			id, r = k.pclPool.AllocateT(ticks)
		} else {
			id, r = k.pclPool.AllocateW()
		}
		if r != ResultOK {
			return r
		}
		p := toPcl(id)
		k.pclMeta[p] = particleMeta{next: nilPcl, used: 0}
		k.pclMeta[tail].next = p
		tail = p
	}
	k.pclMeta[head].totalLen = newTotalLen
	k.pclMeta[head].numPcls = need
	return ResultOK
}

// ChainCapacity returns the chain's currently allocated payload capacity,
// the same figure recorded by AllocChainWT/LengthenChainWT.
func (k *Kernel) ChainCapacity(head pclID) int {
	return k.ChainLen(head)
}

// PclsForCapacity returns how many particles a chain needs to hold the
// given payload capacity, accounting for the header (if any) eating into
// the first particle's usable space.
func (k *Kernel) PclsForCapacity(capacity int, withHeader bool) int {
	return k.particlesNeeded(capacity, withHeader)
}

// CountPclsInChain returns how many particles currently make up a chain.
func (k *Kernel) CountPclsInChain(head pclID) int {
	return k.chainCount(head)
}

// GetPreviousPcl returns the particle immediately before cur in the chain
// rooted at head, or nilPcl if cur is the head or not found.
func (k *Kernel) GetPreviousPcl(head, cur pclID) pclID {
	if head == cur {
		return nilPcl
	}
	p := head
	for p != nilPcl {
		if k.pclMeta[p].next == cur {
			return p
		}
		p = k.pclMeta[p].next
	}
	return nilPcl
}

// locatePcl finds the particle holding logical payload position pos, its
// offset within that particle's payload area, and the particle before it.
func (k *Kernel) locatePcl(head pclID, pos int) (cur pclID, offsetInBlock int, prev pclID) {
	cur = head
	prev = nilPcl
	isHead := true
	base := 0
	for cur != nilPcl {
		blockCap := k.pclCap(head, isHead)
		if pos < base+blockCap || k.pclMeta[cur].next == nilPcl {
			return cur, pos - base, prev
		}
		base += blockCap
		prev = cur
		cur = k.pclMeta[cur].next
		isHead = false
	}
	return nilPcl, 0, prev
}

// ContiguousCount returns how many bytes remain in the particle currently
// holding logical position pos before a reader or writer must cross into
// the next particle.
func (k *Kernel) ContiguousCount(head pclID, pos int) int {
	cur, offsetInBlock, _ := k.locatePcl(head, pos)
	if cur == nilPcl {
		return 0
	}
	return k.pclCap(head, cur == head) - offsetInBlock
}

// WriteDataWT writes data at offset, allocating a chain first if *head is
// nilPcl or lengthening it if it is too short to hold offset+len(data), so
// the write always completes in full once any needed allocation succeeds.
// withHeader is only consulted for a fresh allocation; lengthening an
// existing chain keeps whatever with_header it already has.
func (k *Kernel) WriteDataWT(head *pclID, offset int, data []byte, withHeader bool, hasTimeout bool, ticks uint32) Result {
	need := offset + len(data)
	if *head == nilPcl {
		h, r := k.AllocChainWT(need, withHeader, hasTimeout, ticks)
		if r != ResultOK {
			return r
		}
		*head = h
	} else if k.ChainLen(*head) < need {
		if r := k.LengthenChainWT(*head, need, hasTimeout, ticks); r != ResultOK {
			return r
		}
	}
	return k.WriteData(*head, offset, data)
}

// WriteData writes data at logical offset within an already-allocated
// chain's payload, spanning particle boundaries as needed. The chain must
// already have enough capacity (see AllocChainWT/LengthenChainWT, or use
// WriteDataWT); WriteData itself never allocates, and fails rather than
// writing a truncated prefix.
func (k *Kernel) WriteData(head pclID, offset int, data []byte) Result {
	if offset+len(data) > k.ChainLen(head) {
		return ResultInvalid
	}
	hasHeader := k.pclMeta[head].hasHeader
	pos := offset
	remaining := data
	cur := head
	isHead := true
	skip := 0
	for cur != nilPcl && len(remaining) > 0 {
		capacity := k.pclCap(head, isHead)
		blockStart := skip
		blockEnd := skip + capacity
		if pos < blockEnd {
			buf := k.pclPool.Data(toPoolBlock(cur))
			var base int
			if isHead && hasHeader {
				base = pclHeaderBytes
			}
			writeOffsetInBlock := pos - blockStart
			n := capacity - writeOffsetInBlock
			if n > len(remaining) {
				n = len(remaining)
			}
			copy(buf[base+writeOffsetInBlock:base+writeOffsetInBlock+n], remaining[:n])
			if writeOffsetInBlock+n > k.pclMeta[cur].used {
				k.pclMeta[cur].used = writeOffsetInBlock + n
			}
			remaining = remaining[n:]
			pos += n
		}
		skip = blockEnd
		cur = k.pclMeta[cur].next
		isHead = false
	}
	if len(remaining) > 0 {
		return ResultInvalid
	}
	return ResultOK
}

// Read copies length bytes starting at logical offset out of a chain.
func (k *Kernel) Read(head pclID, offset, length int) ([]byte, Result) {
	if offset+length > k.ChainLen(head) {
		return nil, ResultInvalid
	}
	hasHeader := k.pclMeta[head].hasHeader
	out := make([]byte, 0, length)
	pos := 0
	cur := head
	isHead := true
	for cur != nilPcl && len(out) < length {
		capacity := k.pclCap(head, isHead)
		buf := k.pclPool.Data(toPoolBlock(cur))
		var base int
		if isHead && hasHeader {
			base = pclHeaderBytes
		}
		blockStart, blockEnd := pos, pos+capacity
		lo := offset
		if lo < blockStart {
			lo = blockStart
		}
		hi := offset + length
		if hi > blockEnd {
			hi = blockEnd
		}
		if lo < hi {
			out = append(out, buf[base+lo-blockStart:base+hi-blockStart]...)
		}
		pos = blockEnd
		cur = k.pclMeta[cur].next
		isHead = false
	}
	return out, ResultOK
}

// FreeChain returns every particle in a chain to the pool. Safe to call
// with nilPcl (a no-op), so callers can unconditionally free a partially
// built chain on an error path.
func (k *Kernel) FreeChain(head pclID) {
	cur := head
	for cur != nilPcl {
		next := k.pclMeta[cur].next
		k.pclMeta[cur] = particleMeta{}
		k.pclPool.Free(toPoolBlock(cur))
		cur = next
	}
}

// PclReader is a forward/backward seek cursor over a particle chain's
// logical payload (spec.md §4.5 seek operations), used by protocol parsers
// that read a chain in multiple passes.
type PclReader struct {
	k    *Kernel
	head pclID
	pos  int
}

// NewPclReader returns a reader positioned at the start of head's payload.
func (k *Kernel) NewPclReader(head pclID) *PclReader {
	return &PclReader{k: k, head: head, pos: 0}
}

// SeekFfwd advances the cursor by n bytes, clamped to the chain's length.
func (r *PclReader) SeekFfwd(n int) {
	r.pos += n
	if max := r.k.ChainLen(r.head); r.pos > max {
		r.pos = max
	}
}

// SeekRewind moves the cursor back by n bytes. Rewinding is bounded to the
// current particle plus at most one particle back, matching the teacher's
// circular-buffer convention that a consumer cursor never needs to retreat
// further than the block it just finished.
func (r *PclReader) SeekRewind(n int) {
	cur, offsetInBlock, prev := r.k.locatePcl(r.head, r.pos)
	if cur == nilPcl || n <= 0 {
		return
	}
	if n <= offsetInBlock {
		r.pos -= n
		return
	}
	if prev == nilPcl {
		r.pos -= offsetInBlock
		return
	}
	back := n - offsetInBlock
	if prevCap := r.k.pclCap(r.head, prev == r.head); back > prevCap {
		back = prevCap
	}
	r.pos -= offsetInBlock + back
	if r.pos < 0 {
		r.pos = 0
	}
}

// SetOffset moves the cursor to an absolute offset, clamped to the chain's
// length.
func (r *PclReader) SetOffset(offset int) {
	r.pos = offset
	if r.pos < 0 {
		r.pos = 0
	}
	if max := r.k.ChainLen(r.head); r.pos > max {
		r.pos = max
	}
}

// SetSeekToPacketOffset positions the cursor off bytes past the first
// payload byte, the same addressing ChainLen/Read/Write already use (the
// header, if any, is not part of this offset space).
func (r *PclReader) SetSeekToPacketOffset(off int) {
	r.SetOffset(off)
}

// SetSeekToHeaderlessOffset positions the cursor off bytes from the very
// start of the head particle's raw storage, header included, converting
// into packet-offset space by subtracting the header size -- only
// meaningful when this chain was allocated with_header; a headerless
// chain's raw storage and packet-offset space already coincide.
func (r *PclReader) SetSeekToHeaderlessOffset(off int) {
	if r.k.pclMeta[r.head].hasHeader {
		r.SetOffset(off - pclHeaderBytes)
		return
	}
	r.SetOffset(off)
}

// ContiguousCount reports how many bytes remain in the particle currently
// under the cursor before the next Read/WriteDataContinue call must cross
// into the next particle.
func (r *PclReader) ContiguousCount() int {
	return r.k.ContiguousCount(r.head, r.pos)
}

// WriteDataContinue copies data into the chain starting at the cursor,
// stopping early (returning fewer bytes than len(data)) if the chain's
// remaining capacity runs out, and advances the cursor by what it wrote.
func (r *PclReader) WriteDataContinue(data []byte) int {
	max := r.k.ChainLen(r.head) - r.pos
	if max <= 0 {
		return 0
	}
	n := len(data)
	if n > max {
		n = max
	}
	if r.k.WriteData(r.head, r.pos, data[:n]) != ResultOK {
		return 0
	}
	r.pos += n
	return n
}

// Read copies up to len(buf) bytes starting at the cursor and advances it.
func (r *PclReader) Read(buf []byte) (int, Result) {
	remaining := r.k.ChainLen(r.head) - r.pos
	if remaining <= 0 {
		return 0, ResultInvalid
	}
	n := len(buf)
	if n > remaining {
		n = remaining
	}
	data, res := r.k.Read(r.head, r.pos, n)
	if res != ResultOK {
		return 0, res
	}
	copy(buf, data)
	r.pos += n
	return n, ResultOK
}
