package pipeline

import (
	"fmt"
	"time"

	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/ringbuf"
)

// Link connects the elements registered under tags, in order, with one new
// ring buffer per adjacent pair. None of them may already be linked.
func (p *Pipeline) Link(tags ...string) (err error) {
	defer p.track("link", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	els, err := p.resolveLocked(tags)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if c, _ := p.chainOfLocked(tag); c != nil {
			return fmt.Errorf("%w: %q", ErrAlreadyLinked, tag)
		}
	}

	rbs, err := p.allocateLocked(tags, nil)
	if err != nil {
		return err
	}

	c := &chain{tags: append([]string(nil), tags...), rbs: rbs}
	for i, el := range els {
		p.bind(el, c, i, nil)
	}
	p.chains = append(p.chains, c)
	p.attachLocked(els)
	p.metrics.RecordRingBuffers(p.ringBufferCountLocked())

	p.logger.Info("Linked elements", logging.Any("tags", tags))
	return nil
}

// Relink links tags like Link, but may reuse the one active chain the listed
// elements belong to. Ring buffers between pairs that stay adjacent keep their
// data; the other buffers of that chain are closed, and its elements that are
// not listed are unbound and detached from the listener.
func (p *Pipeline) Relink(tags ...string) (err error) {
	defer p.track("relink", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	els, err := p.resolveLocked(tags)
	if err != nil {
		return err
	}

	var old *chain
	for _, tag := range tags {
		c, _ := p.chainOfLocked(tag)
		if c == nil {
			continue
		}
		if old != nil && c != old {
			return fmt.Errorf("%w: %v spans more than one chain", ErrAlreadyLinked, tags)
		}
		old = c
	}

	var reuse map[[2]string]*ringbuf.RingBuffer
	if old != nil {
		reuse = old.pairs()
	}
	rbs, err := p.allocateLocked(tags, reuse)
	if err != nil {
		return err
	}

	c := &chain{tags: append([]string(nil), tags...), rbs: rbs}

	var owned map[*ringbuf.RingBuffer]bool
	if old != nil {
		owned = ownedBy(old.rbs)
		for _, tag := range old.tags {
			if c.index(tag) < 0 {
				el := p.elements[tag]
				unbindOwned(el, owned)
				p.detachLocked(el)
			}
		}
	}
	for i, el := range els {
		p.bind(el, c, i, owned)
	}
	if old != nil {
		kept := ownedBy(rbs)
		for _, rb := range old.rbs {
			if !kept[rb] {
				rb.Close()
			}
		}
		p.replaceChainLocked(old, c)
	} else {
		p.chains = append(p.chains, c)
	}
	p.attachLocked(els)
	p.metrics.RecordRingBuffers(p.ringBufferCountLocked())

	p.logger.Info("Relinked elements", logging.Any("tags", tags), logging.Bool("reused_chain", old != nil))
	return nil
}

// Breakup removes el and every element downstream of it from its chain. The
// ring buffers touching them are closed, their ports unbound and they are
// detached from the listener. Upstream elements stay linked in whatever state
// they are in. Breaking up an unlinked element does nothing.
func (p *Pipeline) Breakup(el Element) (err error) {
	defer p.track("breakup", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	tag, err := p.tagOfLocked(el)
	if err != nil {
		return err
	}
	c, idx := p.chainOfLocked(tag)
	if c == nil {
		return nil
	}

	var stale []*ringbuf.RingBuffer
	if idx > 0 {
		stale = append(stale, c.rbs[idx-1])
	}
	stale = append(stale, c.rbs[idx:]...)
	owned := ownedBy(stale)

	if idx > 0 {
		unbindOwned(p.elements[c.tags[idx-1]], owned)
	}
	removed := append([]string(nil), c.tags[idx:]...)
	for _, t := range removed {
		e := p.elements[t]
		unbindOwned(e, owned)
		p.detachLocked(e)
	}
	for _, rb := range stale {
		rb.Close()
	}

	if idx == 0 {
		p.replaceChainLocked(c, nil)
	} else {
		c.tags = c.tags[:idx:idx]
		c.rbs = c.rbs[: idx-1 : idx-1]
	}
	p.metrics.RecordRingBuffers(p.ringBufferCountLocked())

	p.logger.Info("Broke up chain", logging.String("tag", tag), logging.Any("removed", removed))
	return nil
}

// resolveLocked validates a link request and returns the elements in order.
func (p *Pipeline) resolveLocked(tags []string) ([]Element, error) {
	if len(tags) == 0 {
		return nil, ErrEmptyLink
	}
	seen := make(map[string]bool, len(tags))
	els := make([]Element, 0, len(tags))
	for _, tag := range tags {
		el, ok := p.elements[tag]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
		}
		if seen[tag] {
			return nil, fmt.Errorf("%w: %q listed twice", ErrAlreadyLinked, tag)
		}
		seen[tag] = true
		els = append(els, el)
	}
	return els, nil
}

// allocateLocked returns one ring buffer per adjacent pair, taking it from
// reuse when the pair is already connected. On failure the buffers allocated
// here are closed again.
func (p *Pipeline) allocateLocked(tags []string, reuse map[[2]string]*ringbuf.RingBuffer) ([]*ringbuf.RingBuffer, error) {
	rbs := make([]*ringbuf.RingBuffer, 0, len(tags)-1)
	var fresh []*ringbuf.RingBuffer
	for i := 0; i+1 < len(tags); i++ {
		if rb, ok := reuse[[2]string{tags[i], tags[i+1]}]; ok {
			rbs = append(rbs, rb)
			continue
		}
		size := p.elements[tags[i]].OutputBufferSize()
		if size <= 0 {
			size = p.config.RingBufferSize
		}
		rb, err := ringbuf.New(size)
		if err != nil {
			for _, f := range fresh {
				f.Close()
			}
			return nil, fmt.Errorf("failed to link %q to %q: %w", tags[i], tags[i+1], err)
		}
		fresh = append(fresh, rb)
		rbs = append(rbs, rb)
	}
	return rbs, nil
}

// bind points the ports of the i-th element of c at the chain's buffers. The
// input of the head and the output of the tail are left to the client unless
// they still hold a buffer from owned.
func (p *Pipeline) bind(el Element, c *chain, i int, owned map[*ringbuf.RingBuffer]bool) {
	in := el.InputRingBuffer()
	if i > 0 {
		in = c.rbs[i-1]
	} else if owned[in] {
		in = nil
	}
	out := el.OutputRingBuffer()
	if i < len(c.rbs) {
		out = c.rbs[i]
	} else if owned[out] {
		out = nil
	}
	if el.InputRingBuffer() != in {
		el.SetInputRingBuffer(in)
	}
	if el.OutputRingBuffer() != out {
		el.SetOutputRingBuffer(out)
	}
}

// unbindOwned clears the ports of el that hold one of the owned buffers.
func unbindOwned(el Element, owned map[*ringbuf.RingBuffer]bool) {
	if owned[el.InputRingBuffer()] {
		el.SetInputRingBuffer(nil)
	}
	if owned[el.OutputRingBuffer()] {
		el.SetOutputRingBuffer(nil)
	}
}

func ownedBy(rbs []*ringbuf.RingBuffer) map[*ringbuf.RingBuffer]bool {
	m := make(map[*ringbuf.RingBuffer]bool, len(rbs))
	for _, rb := range rbs {
		m[rb] = true
	}
	return m
}

// replaceChainLocked swaps old for c, or drops old when c is nil.
func (p *Pipeline) replaceChainLocked(old, c *chain) {
	for i, existing := range p.chains {
		if existing != old {
			continue
		}
		if c == nil {
			p.chains = append(p.chains[:i], p.chains[i+1:]...)
		} else {
			p.chains[i] = c
		}
		return
	}
}

func (p *Pipeline) ringBufferCountLocked() int {
	n := 0
	for _, c := range p.chains {
		n += len(c.rbs)
	}
	return n
}
