package session

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"devicegateway/internal/wire"
)

// pendingRequest is what the outstanding-token table holds for a
// token still awaiting a reply: the kind of response being waited
// for, and the channel listenFor blocks on.
type pendingRequest struct {
	kind    wire.Kind
	result  chan wire.Message
	timeout chan struct{}
}

// tokenTable is the outstanding-token table of spec.md §3: a token is
// present iff a response is still awaited, cleared on response or
// timeout. Backed by ttlcache so a listenFor timeout is enforced by
// the cache's own eviction loop rather than a hand-rolled timer per
// call.
type tokenTable struct {
	cache *ttlcache.Cache[byte, *pendingRequest]
}

func newTokenTable() *tokenTable {
	cache := ttlcache.New(ttlcache.WithTTL[byte, *pendingRequest](30 * time.Second))
	t := &tokenTable{cache: cache}
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[byte, *pendingRequest]) {
		if reason == ttlcache.EvictionReasonExpired {
			close(item.Value().timeout)
		}
	})
	go cache.Start()
	return t
}

// register records that token is now awaiting a reply of kind, and
// returns the pendingRequest the caller selects on.
func (t *tokenTable) register(token byte, kind wire.Kind, ttl time.Duration) *pendingRequest {
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	pr := &pendingRequest{
		kind:    kind,
		result:  make(chan wire.Message, 1),
		timeout: make(chan struct{}),
	}
	t.cache.Set(token, pr, ttl)
	return pr
}

// resolve removes token from the table and returns the pendingRequest
// that was waiting, if any — the "cleared on response" half of the
// invariant.
func (t *tokenTable) resolve(token byte) (*pendingRequest, bool) {
	item := t.cache.Get(token)
	if item == nil {
		return nil, false
	}
	pr := item.Value()
	t.cache.Delete(token)
	return pr, true
}

// clear tears down every outstanding listener on disconnect by closing
// its timeout channel; listenFor sees the session already marked
// disconnected and returns a disconnect error rather than hanging.
func (t *tokenTable) clear() {
	for _, item := range t.cache.Items() {
		select {
		case <-item.Value().timeout:
		default:
			close(item.Value().timeout)
		}
	}
	t.cache.DeleteAll()
}

func (t *tokenTable) stop() {
	t.cache.Stop()
}
