package service

import (
	"context"
	"fmt"

	"github.com/steveyegge/todosync/internal/remote"
	"github.com/steveyegge/todosync/internal/schema"
)

// LabelService reads and writes labels.
type LabelService struct {
	store remote.Store
}

// NewLabelService creates a LabelService over store.
func NewLabelService(store remote.Store) *LabelService {
	return &LabelService{store: store}
}

// LabelRow converts a label to its labels-table row.
func LabelRow(label schema.Label, userID string) remote.Row {
	return remote.Row{
		"id":      label.ID,
		"name":    label.Name,
		"color":   label.Color,
		"user_id": userID,
	}
}

// ParseLabelRow converts a labels-table row back to a label.
func ParseLabelRow(row remote.Row) schema.Label {
	return schema.Label{
		ID:    row.String("id"),
		Name:  row.String("name"),
		Color: row.String("color"),
	}
}

// Ping checks that the labels table is reachable.
func (s *LabelService) Ping(ctx context.Context) error {
	labels, err := s.store.Table(remote.TableLabels)
	if err != nil {
		return err
	}
	if _, err := labels.Select(ctx, remote.Query{Limit: 1}); err != nil {
		return fmt.Errorf("failed to reach labels table: %w", err)
	}
	return nil
}

// Insert writes a new label owned by userID.
func (s *LabelService) Insert(ctx context.Context, label schema.Label, userID string) error {
	labels, err := s.store.Table(remote.TableLabels)
	if err != nil {
		return err
	}
	if err := labels.Insert(ctx, LabelRow(label, userID)); err != nil {
		return fmt.Errorf("failed to insert label %s: %w", label.ID, err)
	}
	return nil
}

// Update writes the label's name and color.
func (s *LabelService) Update(ctx context.Context, label schema.Label) error {
	labels, err := s.store.Table(remote.TableLabels)
	if err != nil {
		return err
	}
	patch := remote.Row{"name": label.Name, "color": label.Color}
	if err := labels.Update(ctx, label.ID, patch); err != nil {
		return fmt.Errorf("failed to update label %s: %w", label.ID, err)
	}
	return nil
}

// Upsert writes label wholesale, overwriting any remote copy.
func (s *LabelService) Upsert(ctx context.Context, label schema.Label, userID string) error {
	labels, err := s.store.Table(remote.TableLabels)
	if err != nil {
		return err
	}
	if err := labels.Upsert(ctx, LabelRow(label, userID)); err != nil {
		return fmt.Errorf("failed to upsert label %s: %w", label.ID, err)
	}
	return nil
}

// Delete removes a label and every task link that references it.
func (s *LabelService) Delete(ctx context.Context, id string) error {
	labels, err := s.store.Table(remote.TableLabels)
	if err != nil {
		return err
	}
	links, err := s.store.Table(remote.TableTaskLabels)
	if err != nil {
		return err
	}
	if err := links.Delete(ctx, remote.Filter{"label_id": id}); err != nil {
		return fmt.Errorf("failed to detach label %s from tasks: %w", id, err)
	}
	if err := labels.Delete(ctx, remote.ByID(id)); err != nil {
		return fmt.Errorf("failed to delete label %s: %w", id, err)
	}
	return nil
}

// List returns every label owned by userID, sorted by name.
func (s *LabelService) List(ctx context.Context, userID string) ([]schema.Label, error) {
	labels, err := s.store.Table(remote.TableLabels)
	if err != nil {
		return nil, err
	}
	where := remote.Filter{}
	if userID != "" {
		where["user_id"] = userID
	}
	rows, err := labels.Select(ctx, remote.Query{
		Where:   where,
		OrderBy: []remote.Order{{Column: "name"}, {Column: "id"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select labels: %w", err)
	}
	out := make([]schema.Label, 0, len(rows))
	for _, row := range rows {
		out = append(out, ParseLabelRow(row))
	}
	return out, nil
}
