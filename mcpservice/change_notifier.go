package mcpservice

import (
	"context"
	"sync"
)

// ChangeNotifier is an in-process pub-sub for list-changed signals. The zero
// value is ready to use.
type ChangeNotifier struct {
	mu          sync.RWMutex
	subscribers []chan struct{}
	closed      bool
}

// ChangeSubscriber hands out change signal channels.
type ChangeSubscriber interface {
	Subscriber() <-chan struct{}
}

// Notify signals every subscriber. Sends never block; a subscriber that has
// not drained its previous signal simply sees one coalesced signal.
func (cn *ChangeNotifier) Notify() {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	if cn.closed {
		return
	}
	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close closes every subscriber channel. Further Notify calls are no-ops.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subscribers
	cn.subscribers = nil
	cn.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// Subscriber returns a channel that receives a signal after each Notify. The
// channel is closed when the notifier is.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	ch := make(chan struct{}, 1)
	if cn.closed {
		close(ch)
		return ch
	}
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}

// unsubscribe drops ch so long-lived notifiers do not accumulate channels of
// connections that have gone away.
func (cn *ChangeNotifier) unsubscribe(ch <-chan struct{}) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	for i, c := range cn.subscribers {
		if c == ch {
			cn.subscribers = append(cn.subscribers[:i], cn.subscribers[i+1:]...)
			return
		}
	}
}

// listChangedFromNotifier adapts a ChangeNotifier to ListChangedCapability.
type listChangedFromNotifier struct{ n *ChangeNotifier }

func (l listChangedFromNotifier) Register(ctx context.Context, session Session, fn NotifyListChangedFunc) (bool, error) {
	if l.n == nil || fn == nil {
		return false, nil
	}
	ch := l.n.Subscriber()
	go func() {
		defer l.n.unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, session)
			}
		}
	}()
	return true, nil
}
