package convsync

import (
	"github.com/matheus3301/convsync/internal/model"
)

// timeline is a handle's merged message list, newest first. It is only
// touched from the handle's update loop.
type timeline struct {
	items []model.Message
}

func (t *timeline) index(id string) int {
	for i := range t.items {
		if t.items[i].ID == id {
			return i
		}
	}
	return -1
}

// prepend puts a local placeholder at the head.
func (t *timeline) prepend(m model.Message) {
	t.items = append([]model.Message{m}, t.items...)
}

// merge applies one persisted message. It replaces the entry with the same
// id, or the placeholder it acknowledges, in place. Anything else is inserted
// by createdAt; ahead places it before entries with an equal timestamp.
func (t *timeline) merge(m model.Message, ahead bool) bool {
	if m.DeliveryState == "" {
		m.DeliveryState = model.Delivered
	}

	if i := t.index(m.ID); i >= 0 {
		if t.items[i].DeliveryState == model.Read {
			m.DeliveryState = model.Read
		}
		changed := t.items[i] != m
		t.items[i] = m
		if m.ClientID != "" && m.ClientID != m.ID {
			if j := t.index(m.ClientID); j >= 0 {
				t.remove(j)
				changed = true
			}
		}
		return changed
	}

	if m.ClientID != "" {
		if i := t.index(m.ClientID); i >= 0 {
			t.items[i] = m
			return true
		}
	}

	pos := len(t.items)
	for i := range t.items {
		c := t.items[i].CreatedAt
		if c.Before(m.CreatedAt) || (ahead && c.Equal(m.CreatedAt)) {
			pos = i
			break
		}
	}
	t.items = append(t.items, model.Message{})
	copy(t.items[pos+1:], t.items[pos:])
	t.items[pos] = m
	return true
}

func (t *timeline) mergeAll(msgs []model.Message, ahead bool) bool {
	changed := false
	for _, m := range msgs {
		if t.merge(m, ahead) {
			changed = true
		}
	}
	return changed
}

func (t *timeline) remove(i int) {
	t.items = append(t.items[:i], t.items[i+1:]...)
}

// setState changes the delivery state of the placeholder with the given id.
// It reports false when no placeholder has that id.
func (t *timeline) setState(clientID string, s model.DeliveryState) bool {
	i := t.index(clientID)
	if i < 0 || !t.items[i].IsPlaceholder() {
		return false
	}
	t.items[i].DeliveryState = s
	return true
}

func (t *timeline) get(id string) (model.Message, bool) {
	i := t.index(id)
	if i < 0 {
		return model.Message{}, false
	}
	return t.items[i], true
}

func (t *timeline) snapshot() []model.Message {
	out := make([]model.Message, len(t.items))
	copy(out, t.items)
	return out
}
