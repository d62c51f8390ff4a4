package broker

// pendingRequest is one queued connect_to_host awaiting the target's
// connect_accept/connect_deny.
type pendingRequest struct {
	requester *Client
	port      int
}

// pendingApprovals holds, per target Client, the FIFO queue of
// requesters awaiting that target's decision. Modeling this as a queue
// keyed by target (rather than a one-shot listener swapped in on the
// target's socket) is what lets two receivers approach the same sender
// concurrently without one's connect_accept being silently consumed by
// the other's listener.
type pendingApprovals struct {
	byTarget map[*Client][]pendingRequest
}

func newPendingApprovals() *pendingApprovals {
	return &pendingApprovals{byTarget: make(map[*Client][]pendingRequest)}
}

// enqueue appends a requester/port pair to target's queue.
func (p *pendingApprovals) enqueue(target *Client, requester *Client, port int) {
	p.byTarget[target] = append(p.byTarget[target], pendingRequest{requester: requester, port: port})
}

// popHead removes and returns the head of target's queue, or false if
// the queue is empty or absent.
func (p *pendingApprovals) popHead(target *Client) (pendingRequest, bool) {
	q := p.byTarget[target]
	if len(q) == 0 {
		return pendingRequest{}, false
	}
	head := q[0]
	rest := q[1:]
	if len(rest) == 0 {
		delete(p.byTarget, target)
	} else {
		p.byTarget[target] = rest
	}
	return head, true
}

// removeRequester cancels a still-queued entry for requester against
// whichever target it is pending against, used when the requester's
// socket closes before it reaches the head of the queue. Returns
// whether an entry was removed.
func (p *pendingApprovals) removeRequester(requester *Client) bool {
	for target, q := range p.byTarget {
		for i, entry := range q {
			if entry.requester == requester {
				rest := append(q[:i:i], q[i+1:]...)
				if len(rest) == 0 {
					delete(p.byTarget, target)
				} else {
					p.byTarget[target] = rest
				}
				return true
			}
		}
	}
	return false
}

// drainTarget removes and returns every entry queued against target,
// used when the target's socket closes: each queued requester must be
// told the target disappeared.
func (p *pendingApprovals) drainTarget(target *Client) []pendingRequest {
	q := p.byTarget[target]
	delete(p.byTarget, target)
	return q
}
