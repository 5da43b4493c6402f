package model

import "time"

// ItemData is one bookmarked item as delivered by a bookmark source.
type ItemData struct {
	ID             string      `json:"id"`
	Text           string      `json:"text"`
	Author         string      `json:"author"`
	URL            string      `json:"url"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Media          []MediaItem `json:"media"`
	Metrics        Engagement  `json:"metrics"`
	CreatedAt      time.Time   `json:"created_at"`
}

type ThreadInfo struct {
	RootID string     `json:"root_id"`
	Author string     `json:"author"`
	Items  []ItemData `json:"items"`
}

func (t *ThreadInfo) ItemIDs() []string {
	ids := make([]string, 0, len(t.Items))
	for _, item := range t.Items {
		ids = append(ids, item.ID)
	}
	return ids
}
