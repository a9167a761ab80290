package store_test

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/steveyegge/todosync/internal/remote/memstore"
	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/session"
	"github.com/steveyegge/todosync/internal/store"
)

func Example() {
	ctx := context.Background()
	st := store.New(memstore.New(), store.Options{
		Session: session.Static("user-1"),
		Logger:  log.New(io.Discard, "", 0),
	})
	defer st.Close()

	bug, _ := st.Labels.AddLabel(ctx, "Bug", "#F59E0B")
	st.Tasks.AddTask(ctx, "Write release notes", nil)
	fix, _ := st.Tasks.AddTask(ctx, "Fix crash", nil, bug.ID)
	st.Tasks.ToggleTask(ctx, fix.ID)

	st.Tasks.SetFilter(schema.StatusCompleted)
	for _, t := range st.Tasks.FilteredTasks() {
		fmt.Println(t.Title)
	}

	_, err := st.Tasks.AddTask(ctx, "   ", nil)
	fmt.Println(store.KindOf(err))
	// Output:
	// Fix crash
	// validation
}
