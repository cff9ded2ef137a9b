package snapshot

type subCh = chan string // carries new ETags

// Subscribe registers a listener for ETag changes and returns its channel
// and an unsubscribe func.
func (h *Holder) Subscribe() (<-chan string, func()) {
	ch := make(subCh, 1)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[subCh]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

// publish notifies all listeners (non-blocking). A listener that has not
// read its pending ETag gets it replaced by the newest one.
func (h *Holder) publish(etag string) {
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- etag:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- etag:
		default:
		}
	}
	h.mu.Unlock()
}
