package task

import (
	"sync"
	"testing"
)

func TestDispatchPriority(t *testing.T) {
	q := NewQueue()
	q.Post(Process)
	q.Post(Render)

	var order []ID
	for q.Dispatch(func(id ID) { order = append(order, id) }) {
	}

	if len(order) != 2 {
		t.Fatalf("ran %d tasks, want 2", len(order))
	}
	if order[0] != Render || order[1] != Process {
		t.Errorf("order = %v, want [render process]", order)
	}
}

func TestDispatchOnePerPass(t *testing.T) {
	q := NewQueue()
	q.Post(Render)
	q.Post(Process)
	// Drain the signal from the posts.
	<-q.Ready()

	ran := 0
	q.Dispatch(func(ID) { ran++ })
	if ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}

	select {
	case <-q.Ready():
	default:
		t.Error("queue not re-signalled with work remaining")
	}
	if !q.Pending(Process) {
		t.Error("process should still be pending")
	}
}

func TestDispatchEmpty(t *testing.T) {
	q := NewQueue()
	if q.Dispatch(func(ID) { t.Error("handler ran on empty queue") }) {
		t.Error("Dispatch = true on empty queue")
	}
}

func TestPostDuringHandler(t *testing.T) {
	q := NewQueue()
	q.Post(Process)

	var order []ID
	q.Dispatch(func(id ID) {
		order = append(order, id)
		q.Post(Render)
	})
	q.Dispatch(func(id ID) { order = append(order, id) })

	if len(order) != 2 || order[1] != Render {
		t.Errorf("order = %v, want [process render]", order)
	}
	if !q.Empty() {
		t.Error("queue not empty")
	}
}

func TestPostedTaskRunsOnce(t *testing.T) {
	q := NewQueue()
	q.Post(Render)
	q.Post(Render)

	runs := 0
	for q.Dispatch(func(ID) { runs++ }) {
	}
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
}

func TestConcurrentPost(t *testing.T) {
	q := NewQueue()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Post(ID(i % 2))
		}(i)
	}
	wg.Wait()

	seen := map[ID]int{}
	for q.Dispatch(func(id ID) { seen[id]++ }) {
	}
	if seen[Render] != 1 || seen[Process] != 1 {
		t.Errorf("seen = %v, want one of each", seen)
	}
}

func TestPostOutOfRange(t *testing.T) {
	q := NewQueue()
	q.Post(ID(7))
	if !q.Empty() {
		t.Error("out of range id should be ignored")
	}
}
