package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/heraldhq/herald/internal/db"
)

// groupKey identifies near-duplicates: same user, same type, same channel
// set (order-insensitive).
func groupKey(notif *db.Notification) string {
	channels := make([]string, len(notif.Channels))
	for i, c := range notif.Channels {
		channels[i] = string(c)
	}
	sort.Strings(channels)
	return fmt.Sprintf("%s|%s|%s", notif.UserID, notif.Type, strings.Join(channels, ","))
}

// groupNotifications buckets a batch by group key, preserving submission
// order within each bucket.
func groupNotifications(notifs []*db.Notification) [][]*db.Notification {
	var (
		order  []string
		groups = make(map[string][]*db.Notification)
	)
	for _, n := range notifs {
		key := groupKey(n)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], n)
	}

	out := make([][]*db.Notification, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

// collapseGroup builds the synthetic notification representing a group of
// near-duplicates: a summary title plus a payload referencing every source
// record. The group's highest priority wins.
func collapseGroup(group []*db.Notification) *db.Notification {
	ids := make([]uuid.UUID, len(group))
	titles := make([]string, len(group))
	priority := group[0].Priority
	scheduledAt := group[0].ScheduledAt

	for i, n := range group {
		ids[i] = n.ID
		titles[i] = n.Title
		if n.Priority.QueueWeight() > priority.QueueWeight() {
			priority = n.Priority
		}
		if scheduledAt != nil && (n.ScheduledAt == nil || n.ScheduledAt.Before(*scheduledAt)) {
			scheduledAt = n.ScheduledAt
		}
	}

	// The summary keys overlay the first member's payload so recipient
	// contact fields (email, phone_number, target_arn) survive for the
	// channel senders.
	merged := make(map[string]any)
	if len(group[0].Payload) > 0 {
		_ = json.Unmarshal(group[0].Payload, &merged)
	}
	merged["batch"] = true
	merged["notification_ids"] = ids
	merged["titles"] = titles
	payload, _ := json.Marshal(merged)

	return &db.Notification{
		ID:          group[0].ID,
		UserID:      group[0].UserID,
		Type:        group[0].Type,
		Title:       fmt.Sprintf("%d notifications", len(group)),
		Content:     strings.Join(titles, "\n"),
		Payload:     payload,
		Channels:    group[0].Channels,
		Priority:    priority,
		Status:      db.StatusPending,
		ScheduledAt: scheduledAt,
	}
}
