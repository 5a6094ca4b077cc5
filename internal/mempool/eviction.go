package mempool

// SetMaxBytes changes the byte capacity, evicting lowest fee-rate entries
// immediately if the new capacity is smaller than what's currently used.
func (p *Pool) SetMaxBytes(maxBytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxBytes = maxBytes
	p.evictToFit()
}

// evictToFit removes lowest fee-rate entries, unconditionally, until
// usedBytes <= maxBytes. Unlike evictionSet (used by Add), this never
// rejects — it is only reachable by shrinking capacity below current
// usage, which must always succeed. Must be called with p.mu held.
func (p *Pool) evictToFit() int {
	if p.usedBytes <= p.maxBytes {
		return 0
	}
	entries := p.sortedAscending()
	evicted := 0
	for _, e := range entries {
		if p.usedBytes <= p.maxBytes {
			break
		}
		p.removeLocked(e.txHash)
		evicted++
	}
	return evicted
}
