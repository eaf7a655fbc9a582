package events

import (
	"fmt"
	"sync"
	"testing"

	"github.com/alfredjeanlab/kloop/internal/model"
)

func TestBuffer_AppendAndGet(t *testing.T) {
	buf := NewBuffer()
	buf.Log(model.CategoryInfo, "first")
	buf.Log(model.CategoryError, "second")
	buf.Write("chunk-1")

	logs := buf.Logs()
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].Message != "first" || logs[1].Category != model.CategoryError {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	output := buf.Output()
	if len(output) != 1 || output[0].Text != "chunk-1" {
		t.Fatalf("unexpected output: %+v", output)
	}
}

func TestBuffer_GetReturnsCopy(t *testing.T) {
	buf := NewBuffer()
	buf.Log(model.CategoryInfo, "original")
	buf.Write("original")

	logs := buf.Logs()
	logs[0].Message = "mutated"
	output := buf.Output()
	output[0].Text = "mutated"

	if got := buf.Logs()[0].Message; got != "original" {
		t.Fatalf("log mutated through copy: %q", got)
	}
	if got := buf.Output()[0].Text; got != "original" {
		t.Fatalf("output mutated through copy: %q", got)
	}
}

func TestBuffer_SubscribeNoReplay(t *testing.T) {
	buf := NewBuffer()
	for i := range 3 {
		buf.Log(model.CategoryInfo, fmt.Sprintf("before-%d", i))
		buf.Write(fmt.Sprintf("before-%d", i))
	}

	var gotLogs []string
	var gotOutput []string
	unsubLogs := buf.SubscribeLogs(func(e model.LogEntry) { gotLogs = append(gotLogs, e.Message) })
	unsubOutput := buf.SubscribeOutput(func(e model.OutputEvent) { gotOutput = append(gotOutput, e.Text) })
	defer unsubLogs()
	defer unsubOutput()

	buf.Log(model.CategoryInfo, "after")
	buf.Write("after")

	if len(gotLogs) != 1 || gotLogs[0] != "after" {
		t.Fatalf("expected only the post-subscribe log, got %v", gotLogs)
	}
	if len(gotOutput) != 1 || gotOutput[0] != "after" {
		t.Fatalf("expected only the post-subscribe output, got %v", gotOutput)
	}
}

func TestBuffer_SubscriberOrder(t *testing.T) {
	buf := NewBuffer()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		buf.SubscribeLogs(func(e model.LogEntry) { order = append(order, name+":"+e.Message) })
	}

	buf.Log(model.CategoryInfo, "1")
	buf.Log(model.CategoryInfo, "2")

	want := []string{"a:1", "b:1", "c:1", "a:2", "b:2", "c:2"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("delivery order = %v, want %v", order, want)
	}
}

func TestBuffer_Unsubscribe(t *testing.T) {
	buf := NewBuffer()
	count := 0
	unsub := buf.SubscribeOutput(func(model.OutputEvent) { count++ })

	buf.Write("one")
	unsub()
	unsub() // second call is a no-op
	buf.Write("two")

	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
	if _, out := buf.SubscriberCount(); out != 0 {
		t.Fatalf("expected 0 output subscribers, got %d", out)
	}
}

func TestBuffer_UnsubscribeMiddleKeepsOthers(t *testing.T) {
	buf := NewBuffer()
	var got []string
	buf.SubscribeLogs(func(model.LogEntry) { got = append(got, "a") })
	unsubB := buf.SubscribeLogs(func(model.LogEntry) { got = append(got, "b") })
	buf.SubscribeLogs(func(model.LogEntry) { got = append(got, "c") })

	unsubB()
	buf.Log(model.CategoryInfo, "x")

	if fmt.Sprint(got) != fmt.Sprint([]string{"a", "c"}) {
		t.Fatalf("got %v, want [a c]", got)
	}
}

func TestBuffer_ClearKeepsSubscriptions(t *testing.T) {
	buf := NewBuffer()
	count := 0
	buf.SubscribeLogs(func(model.LogEntry) { count++ })
	buf.Log(model.CategoryInfo, "one")
	buf.Write("chunk")

	buf.Clear()
	if len(buf.Logs()) != 0 || len(buf.Output()) != 0 {
		t.Fatal("expected empty buffer after Clear")
	}

	buf.Log(model.CategoryInfo, "two")
	if count != 2 {
		t.Fatalf("expected subscriber to survive Clear, got %d deliveries", count)
	}
}

func TestBuffer_AttachIsAtomic(t *testing.T) {
	buf := NewBuffer()
	buf.Log(model.CategoryInfo, "h1")
	buf.Write("o1")

	var live []string
	logs, output, detach := buf.Attach(
		func(e model.LogEntry) { live = append(live, e.Message) },
		func(e model.OutputEvent) { live = append(live, e.Text) },
	)
	buf.Log(model.CategoryInfo, "l2")
	buf.Write("o2")
	detach()
	buf.Log(model.CategoryInfo, "l3")

	if len(logs) != 1 || len(output) != 1 {
		t.Fatalf("history = %d logs / %d output, want 1/1", len(logs), len(output))
	}
	if fmt.Sprint(live) != fmt.Sprint([]string{"l2", "o2"}) {
		t.Fatalf("live = %v, want [l2 o2]", live)
	}
	if l, o := buf.SubscriberCount(); l != 0 || o != 0 {
		t.Fatalf("expected no subscribers after detach, got %d/%d", l, o)
	}
}

func TestBuffer_ConcurrentAppendsDeliveredInOrder(t *testing.T) {
	buf := NewBuffer()
	var mu sync.Mutex
	var seen []string
	buf.SubscribeLogs(func(e model.LogEntry) {
		mu.Lock()
		seen = append(seen, e.Message)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				buf.Log(model.CategoryInfo, fmt.Sprintf("%d-%d", i, j))
			}
		}()
	}
	wg.Wait()

	logs := buf.Logs()
	if len(logs) != 400 || len(seen) != 400 {
		t.Fatalf("expected 400 logs and deliveries, got %d / %d", len(logs), len(seen))
	}
	for i := range logs {
		if logs[i].Message != seen[i] {
			t.Fatalf("delivery %d out of append order", i)
		}
	}
}
