// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package download

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nbak/fullbackup/internal/fileclient"
)

type fakeClient struct {
	mu        sync.Mutex
	files     map[string][]byte
	failAlways fileclient.ErrCode // if non-zero, every GetFile fails with this code
	shadowCalls []bool
}

func (f *fakeClient) GetFile(ctx context.Context, remoteName string, sink io.Writer, hashed, resume bool) (fileclient.Outcome, fileclient.ErrCode) {
	if f.failAlways != fileclient.ErrNone {
		return fileclient.Err, f.failAlways
	}
	f.mu.Lock()
	content, ok := f.files[remoteName]
	f.mu.Unlock()
	if !ok {
		return fileclient.Err, fileclient.ErrRemoteNotFound
	}
	sink.Write(content)
	return fileclient.Ok, fileclient.ErrNone
}

func (f *fakeClient) ShadowCopy(ctx context.Context, begin bool, volumeName string) error {
	f.mu.Lock()
	f.shadowCalls = append(f.shadowCalls, begin)
	f.mu.Unlock()
	return nil
}

func TestQueue_SuccessfulTransfer(t *testing.T) {
	client := &fakeClient{files: map[string][]byte{"a.txt": []byte("hello")}}

	var handed []string
	var mu sync.Mutex
	handoff := func(item WorkItem, stagingPath string) error {
		mu.Lock()
		handed = append(handed, item.RemoteName)
		mu.Unlock()
		return nil
	}

	q := New(context.Background(), 8, client, handoff, 5, nil)

	q.EnqueueFull(WorkItem{Line: 0, RemoteName: "a.txt"})
	q.QueueStop(false)

	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if !q.IsDownloadOk(0) {
		t.Fatal("expected line 0 to be download-ok")
	}
	if q.MaxOkLine() != 0 {
		t.Fatalf("expected max ok line 0, got %d", q.MaxOkLine())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(handed) != 1 || handed[0] != "a.txt" {
		t.Fatalf("expected handoff called once with a.txt, got %v", handed)
	}
}

func TestQueue_OfflineAfterThreshold(t *testing.T) {
	client := &fakeClient{failAlways: fileclient.ErrConnect}
	handoff := func(item WorkItem, stagingPath string) error { return nil }

	q := New(context.Background(), 8, client, handoff, 3, nil)

	for i := uint64(0); i < 3; i++ {
		q.EnqueueFull(WorkItem{Line: i, RemoteName: "x"})
	}
	q.QueueStop(false)

	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if !q.IsOffline() {
		t.Fatal("expected queue to be offline after 3 consecutive retryable failures")
	}
	for i := uint64(0); i < 3; i++ {
		if q.IsDownloadOk(i) {
			t.Fatalf("line %d should not be download-ok", i)
		}
	}
}

func TestQueue_SkipDrainsWithoutStoring(t *testing.T) {
	client := &fakeClient{files: map[string][]byte{"a.txt": []byte("hi")}}
	handoff := func(item WorkItem, stagingPath string) error { return nil }

	q := New(context.Background(), 8, client, handoff, 5, nil)
	q.QueueSkip()
	q.EnqueueFull(WorkItem{Line: 0, RemoteName: "a.txt"})
	q.QueueStop(false)

	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	res, ok := q.Result(0)
	if !ok || res.Outcome != Skipped {
		t.Fatalf("expected Skipped outcome, got %+v ok=%v", res, ok)
	}
}

func TestQueue_ShadowOrderedWithFileItems(t *testing.T) {
	client := &fakeClient{files: map[string][]byte{"a.txt": []byte("hi")}}
	handoff := func(item WorkItem, stagingPath string) error { return nil }

	q := New(context.Background(), 8, client, handoff, 5, nil)
	q.EnqueueShadow(true, "Volume")
	q.EnqueueFull(WorkItem{Line: 0, RemoteName: "a.txt"})
	q.EnqueueShadow(false, "Volume")
	q.QueueStop(false)

	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	client.mu.Lock()
	calls := client.shadowCalls
	client.mu.Unlock()
	if len(calls) != 2 || calls[0] != true || calls[1] != false {
		t.Fatalf("expected [begin, end] shadow calls, got %v", calls)
	}
}

func TestQueue_HandoffFailureMarksFailed(t *testing.T) {
	client := &fakeClient{files: map[string][]byte{"a.txt": []byte("hi")}}
	handoff := func(item WorkItem, stagingPath string) error { return errors.New("disk full") }

	q := New(context.Background(), 8, client, handoff, 5, nil)
	q.EnqueueFull(WorkItem{Line: 0, RemoteName: "a.txt"})
	q.QueueStop(false)

	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if q.IsDownloadOk(0) {
		t.Fatal("expected line 0 not to be ok when handoff fails")
	}
}

func TestQueue_AbortCancelsRun(t *testing.T) {
	client := &fakeClient{files: map[string][]byte{"a.txt": []byte("hi")}}
	handoff := func(item WorkItem, stagingPath string) error { return nil }

	q := New(context.Background(), 1, client, handoff, 5, nil)
	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background()) }()

	q.QueueStop(true)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after abort")
	}
}
