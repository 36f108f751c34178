// Package chatlog is the date-bucketed conversation log. Messages are
// grouped by calendar day, kept newest-first inside each bucket, and only
// buckets inside the retention window are visible.
package chatlog

import (
	"sort"
	"time"

	"github.com/ent0n29/chatsession/internal/content"
)

type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

type (
	QuickReply = content.QuickReply
	Action     = content.Action
)

// Message is immutable once appended.
type Message struct {
	ID           int64        `json:"id"`
	Text         string       `json:"text"`
	CreatedAt    time.Time    `json:"createdAt"`
	Sender       Sender       `json:"sender"`
	System       bool         `json:"system,omitempty"`
	QuickReplies []QuickReply `json:"quickReplies,omitempty"`
	Actions      []Action     `json:"actions,omitempty"`
}

// DayKey identifies a calendar day as YYYYMMDD.
type DayKey string

const dayKeyLayout = "20060102"

// DayKeyOf returns the bucket key for t in loc.
func DayKeyOf(t time.Time, loc *time.Location) DayKey {
	return DayKey(t.In(orLocal(loc)).Format(dayKeyLayout))
}

// Groups maps a day to its messages, newest first. Values handed out by
// this package are never mutated in place.
type Groups map[DayKey][]Message

// Len counts messages across all buckets.
func (g Groups) Len() int {
	n := 0
	for _, msgs := range g {
		n += len(msgs)
	}
	return n
}

// Clone copies the mapping and every bucket slice.
func (g Groups) Clone() Groups {
	out := make(Groups, len(g))
	for k, msgs := range g {
		out[k] = append([]Message(nil), msgs...)
	}
	return out
}

// Append returns a new mapping with m inserted at the front of its day's
// bucket. g is left untouched.
func Append(g Groups, m Message, loc *time.Location) Groups {
	key := DayKeyOf(m.CreatedAt, loc)
	out := make(Groups, len(g)+1)
	for k, msgs := range g {
		out[k] = msgs
	}
	bucket := make([]Message, 0, len(g[key])+1)
	bucket = append(bucket, m)
	bucket = append(bucket, g[key]...)
	out[key] = bucket
	return out
}

// Flatten returns every message from in-window buckets ordered by
// CreatedAt descending. Equal timestamps keep their insertion order.
func Flatten(g Groups, w Window, now time.Time) []Message {
	keys := make([]DayKey, 0, len(g))
	for k := range g {
		if w.Contains(k, now) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })

	var out []Message
	for _, k := range keys {
		out = append(out, g[k]...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Merge returns base with the messages of extra added to their buckets.
// Messages whose ID is already in base or equals drop are skipped. Each
// touched bucket is reordered by CreatedAt descending.
func Merge(base, extra Groups, drop int64) Groups {
	seen := make(map[int64]bool, base.Len())
	for _, msgs := range base {
		for _, m := range msgs {
			seen[m.ID] = true
		}
	}
	out := make(Groups, len(base)+len(extra))
	for k, msgs := range base {
		var bucket []Message
		for _, m := range msgs {
			if m.ID != drop {
				bucket = append(bucket, m)
			}
		}
		if len(bucket) > 0 {
			out[k] = bucket
		}
	}
	for k, msgs := range extra {
		bucket := append([]Message(nil), out[k]...)
		for _, m := range msgs {
			if seen[m.ID] || m.ID == drop {
				continue
			}
			seen[m.ID] = true
			bucket = append(bucket, m)
		}
		if len(bucket) == 0 {
			continue
		}
		sort.SliceStable(bucket, func(i, j int) bool {
			return bucket[i].CreatedAt.After(bucket[j].CreatedAt)
		})
		out[k] = bucket
	}
	return out
}

func maxID(g Groups) int64 {
	var id int64
	for _, msgs := range g {
		for _, m := range msgs {
			if m.ID > id {
				id = m.ID
			}
		}
	}
	return id
}

func orLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
