// Package service maps todosync entities to and from remote rows.
//
// It is the only package that knows the storage contract:
//
//	tasks        id, title, completed, due_date, created_at, user_id
//	labels       id, name, color, user_id
//	task_labels  task_id, label_id, user_id, position
//
// A task's label set is stored as one task_labels row per (task, label)
// pair; position keeps the order labels were attached in. Timestamps are
// written with schema.TimeLayout. Services hold no state beyond the
// remote.Store they wrap.
package service
