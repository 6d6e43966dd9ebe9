package broker

import (
	"sort"

	"github.com/eliasyaoyc/rsmqtt/encoding"
	"github.com/eliasyaoyc/rsmqtt/message"
	"github.com/eliasyaoyc/rsmqtt/topic"
)

// RetainHandling mirrors the SUBSCRIBE Retain Handling option: whether and
// when retained messages are replayed for a new subscription.
type RetainHandling byte

const (
	// RetainHandlingSendAtSubscribe sends retained messages at the time of
	// the subscribe, whether or not the subscription already existed.
	RetainHandlingSendAtSubscribe RetainHandling = 0
	// RetainHandlingSendIfNewSubscription sends retained messages only if the
	// subscription did not already exist.
	RetainHandlingSendIfNewSubscription RetainHandling = 1
	// RetainHandlingDoNotSend never replays retained messages for this
	// subscription.
	RetainHandlingDoNotSend RetainHandling = 2
)

// FilterItem is one subscription: a parsed topic filter plus the options
// that govern how matching messages are delivered.
type FilterItem struct {
	Filter            *topic.Filter
	QoS               encoding.QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    RetainHandling
	// ID is the subscription identifier to stamp on delivered messages, or 0
	// if the client did not request one.
	ID uint32
}

// Filters is the set of subscriptions owned by one session (or one member of
// a shared-subscription group), keyed by the filter's path so a re-subscribe
// to the same filter overwrites rather than duplicates.
type Filters struct {
	items map[string]*FilterItem
}

// NewFilters returns an empty Filters set.
func NewFilters() *Filters {
	return &Filters{items: make(map[string]*FilterItem)}
}

// Insert adds or replaces the filter item for its path, returning the
// previous item, if any, so the caller can tell new subscriptions from
// resubscriptions.
func (f *Filters) Insert(item *FilterItem) *FilterItem {
	prev := f.items[item.Filter.Path()]
	f.items[item.Filter.Path()] = item
	return prev
}

// Remove deletes the filter at path, returning it if it existed.
func (f *Filters) Remove(path string) *FilterItem {
	prev, ok := f.items[path]
	if !ok {
		return nil
	}
	delete(f.items, path)
	return prev
}

// Len reports the number of filters in the set.
func (f *Filters) Len() int { return len(f.items) }

// Items returns a snapshot of every filter item in the set, for persistence.
func (f *Filters) Items() []*FilterItem {
	out := make([]*FilterItem, 0, len(f.items))
	for _, item := range f.items {
		out = append(out, item)
	}
	return out
}

// IsEmpty reports whether the set has no filters.
func (f *Filters) IsEmpty() bool { return len(f.items) == 0 }

// FilterMessage applies every filter in the set to msg and, if at least one
// matches, returns the single delivered variant: QoS capped to the highest
// matching subscription's QoS, retain cleared unless every matching
// subscription requested retain-as-published, and subscription identifiers
// from all matching filters attached in ascending order. A filter marked
// no_local is skipped when msg originated from clientID. Returns ok=false if
// no remaining filter matched or the message already expired.
func (f *Filters) FilterMessage(clientID string, msg *message.Message) (*message.Message, bool) {
	if msg.IsExpired() {
		return nil, false
	}

	var (
		matched bool
		maxQoS  = encoding.QoS0
		retain  = msg.Retain()
		ids     []uint32
	)

	for _, item := range f.items {
		if item.NoLocal && msg.OriginClientID() == clientID {
			continue
		}
		if !item.Filter.Matches(msg.Topic()) {
			continue
		}

		if item.ID != 0 {
			ids = append(ids, item.ID)
		}
		if item.QoS > maxQoS {
			maxQoS = item.QoS
		}
		if !item.RetainAsPublished {
			retain = false
		}
		matched = true
	}

	if !matched {
		return nil, false
	}

	out := msg.WithQoS(maxQoS).WithRetain(retain)
	if len(ids) > 0 {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = out.WithSubscriptionIdentifiers(ids)
	}
	return out, true
}
