package push

import (
	"context"

	"github.com/carelane/portalchat/internal/store"
)

// DBSurface keeps notification entries in the session database, where the
// CLI and the window can list them.
type DBSurface struct {
	DB *store.DB
}

func (s DBSurface) Show(ctx context.Context, n Rendered) error {
	return s.DB.UpsertNotification(&store.Notification{
		Tag:         n.Tag,
		Title:       n.Title,
		Body:        n.Body,
		Destination: n.Destination,
		Data:        n.Data,
	})
}

func (s DBSurface) Get(ctx context.Context, tag string) (Rendered, bool, error) {
	n, err := s.DB.GetNotification(tag)
	if err != nil || n == nil {
		return Rendered{}, false, err
	}
	return fromStore(n), true, nil
}

func (s DBSurface) MarkClicked(ctx context.Context, tag string) error {
	return s.DB.MarkNotificationClicked(tag)
}

func (s DBSurface) List(ctx context.Context, includeClicked bool, limit int) ([]Rendered, error) {
	rows, err := s.DB.ListNotifications(includeClicked, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Rendered, 0, len(rows))
	for i := range rows {
		out = append(out, fromStore(&rows[i]))
	}
	return out, nil
}

func fromStore(n *store.Notification) Rendered {
	return Rendered{
		Tag:         n.Tag,
		Title:       n.Title,
		Body:        n.Body,
		Destination: n.Destination,
		Data:        n.Data,
		Count:       n.Count,
		ReceivedAt:  n.ReceivedAt,
		Clicked:     n.ClickedAt > 0,
	}
}
