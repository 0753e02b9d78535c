package notify

import (
	"sync"
)

const (
	defaultSubscriberCapacity = 64
	defaultBacklogLimit       = 32
	defaultDedupeWindow       = 512
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router fans engine events out to mission-scoped subscribers with buffered
// channels, a bounded backlog for late subscribers, and event deduplication.
// It implements Sink, so it can be handed straight to the engine.
type Router struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	backlog     map[string][]Event
	recentIDs   map[string]struct{}
	recentOrder []string
	channelSize int
	backlogMax  int
	dedupeMax   int
	logger      Logger
}

type subscriber struct {
	missionID string
	events    chan Event
}

// Subscription represents an active event stream for one mission, or for
// every mission when subscribed with MissionAll.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// MissionAll subscribes to events for every mission.
const MissionAll = "*"

// NewRouter constructs a router with bounded defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers: map[string]map[*subscriber]struct{}{},
		backlog:     map[string][]Event{},
		recentIDs:   map[string]struct{}{},
		recentOrder: make([]string, 0, defaultDedupeWindow),
		channelSize: defaultSubscriberCapacity,
		backlogMax:  defaultBacklogLimit,
		dedupeMax:   defaultDedupeWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop diagnostics.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the per-subscriber channel size.
func RouterWithSubscriberCapacity(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.channelSize = size
		}
	}
}

// RouterWithBacklogLimit overrides how many events are replayed to late
// subscribers per mission.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogMax = limit
		}
	}
}

// Notify delivers an event to matching subscribers. Duplicate event IDs
// within the dedupe window are dropped; full subscriber channels lose the
// event rather than blocking the engine.
func (r *Router) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.EventID != "" {
		if _, seen := r.recentIDs[e.EventID]; seen {
			return
		}
		r.remember(e.EventID)
	}
	r.appendBacklog(e)
	for _, key := range []string{e.MissionID, MissionAll} {
		for sub := range r.subscribers[key] {
			select {
			case sub.events <- e:
			default:
				if r.logger != nil {
					r.logger.Printf("notify: dropped event %s for slow subscriber (mission %s)", e.EventID, e.MissionID)
				}
			}
		}
	}
}

// Subscribe opens an event stream for one mission ID (or MissionAll).
// Backlogged events for that mission are replayed into the channel first.
func (r *Router) Subscribe(missionID string) Subscription {
	if missionID == "" {
		missionID = MissionAll
	}
	sub := &subscriber{
		missionID: missionID,
		events:    make(chan Event, r.channelSize),
	}
	r.mu.Lock()
	if r.subscribers[missionID] == nil {
		r.subscribers[missionID] = map[*subscriber]struct{}{}
	}
	r.subscribers[missionID][sub] = struct{}{}
	replay := append([]Event(nil), r.backlog[missionID]...)
	r.mu.Unlock()
	for _, e := range replay {
		select {
		case sub.events <- e:
		default:
		}
	}
	return Subscription{
		Events: sub.events,
		cancel: func() { r.unsubscribe(sub) },
	}
}

func (r *Router) unsubscribe(sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subscribers[sub.missionID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			close(sub.events)
		}
		if len(set) == 0 {
			delete(r.subscribers, sub.missionID)
		}
	}
}

func (r *Router) appendBacklog(e Event) {
	log := append(r.backlog[e.MissionID], e)
	if len(log) > r.backlogMax {
		log = log[len(log)-r.backlogMax:]
	}
	r.backlog[e.MissionID] = log
}

func (r *Router) remember(eventID string) {
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeMax {
		evicted := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, evicted)
	}
}
