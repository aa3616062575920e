package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/amillerrr/kino-pipeline/internal/pipeline"
	"github.com/amillerrr/kino-pipeline/internal/storage"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeQueue hands out its messages once, then blocks until ctx ends.
type fakeQueue struct {
	mu       sync.Mutex
	messages []types.Message
	deleted  []string
}

func (q *fakeQueue) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	msgs := q.messages
	q.messages = nil
	q.mu.Unlock()
	if len(msgs) > 0 {
		return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *fakeQueue) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (q *fakeQueue) deletedHandles() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

type fakeRunner struct {
	mu   sync.Mutex
	runs map[string]string
	err  error
}

func (r *fakeRunner) Execute(_ context.Context, projectID, videoPath string) (pipeline.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[string]string{}
	}
	r.runs[projectID] = videoPath
	if r.err != nil {
		return pipeline.Result{Status: models.StatusFailed}, r.err
	}
	return pipeline.Result{Status: models.StatusReady}, nil
}

type recordingStore struct {
	mu      sync.Mutex
	patches map[string]*models.Patch
}

func (s *recordingStore) Get(context.Context, string) (*models.Project, error) {
	return nil, models.ErrProjectNotFound
}

func (s *recordingStore) Update(_ context.Context, id string, patch *models.Patch) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patches == nil {
		s.patches = map[string]*models.Patch{}
	}
	s.patches[id] = patch
	return time.Now(), nil
}

type fakeSources struct {
	data []byte
	err  error
}

func (f *fakeSources) DownloadSource(_ context.Context, _, _, dest string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if err := os.WriteFile(dest, f.data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(f.data)), nil
}

func message(handle, body string) types.Message {
	return types.Message{
		MessageId:     aws.String("id-" + handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
	}
}

func TestWorker_Run(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	dir, _ := layout.EnsureProjectDir("proj_local")
	os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("video"), 0o644)

	q := &fakeQueue{messages: []types.Message{
		message("local", `{"job_id":"1","project_id":"proj_local","video_filename":"a.mp4"}`),
		message("remote", `{"job_id":"2","project_id":"proj_remote","video_filename":"b.mp4","s3_key":"uploads/proj_remote/b.mp4","bucket":"kino"}`),
		message("missing", `{"job_id":"3","project_id":"proj_missing","video_filename":"c.mp4"}`),
		message("garbage", `not json`),
	}}
	runner := &fakeRunner{}
	store := &recordingStore{}
	w := New(&Config{
		SQSClient:         q,
		QueueURL:          "q",
		MaxConcurrentJobs: 2,
		Runner:            runner,
		Store:             store,
		Layout:            layout,
		Sources:           &fakeSources{data: []byte("downloaded")},
		Logger:            quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for len(q.deletedHandles()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("deleted = %v", q.deletedHandles())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	deleted := strings.Join(q.deletedHandles(), ",")
	for _, h := range []string{"local", "remote", "missing"} {
		if !strings.Contains(deleted, h) {
			t.Errorf("message %q not deleted: %s", h, deleted)
		}
	}
	if strings.Contains(deleted, "garbage") {
		t.Error("unparseable message should stay on the queue")
	}

	if runner.runs["proj_local"] != layout.VideoPath("proj_local", "a.mp4") {
		t.Errorf("local run path = %q", runner.runs["proj_local"])
	}
	data, err := os.ReadFile(layout.VideoPath("proj_remote", "b.mp4"))
	if err != nil || !bytes.Equal(data, []byte("downloaded")) {
		t.Errorf("remote video = %q, %v", data, err)
	}
	if _, ran := runner.runs["proj_missing"]; ran {
		t.Error("job without a video should not run")
	}
	patch := store.patches["proj_missing"]
	if patch == nil || *patch.Status != models.StatusFailed || !strings.HasPrefix(*patch.ErrorMessage, "PipelineFailure: uploaded video not found") {
		t.Errorf("missing video patch = %+v", patch)
	}
}

func TestProcessMessage_RunFailureIsTerminal(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	dir, _ := layout.EnsureProjectDir("p")
	os.WriteFile(filepath.Join(dir, "v.mp4"), []byte("video"), 0o644)

	w := New(&Config{
		Runner: &fakeRunner{err: errors.New("boom")},
		Store:  &recordingStore{},
		Layout: layout,
		Logger: quietLogger(),
	})
	terminal, err := w.processMessage(context.Background(), message("h", `{"project_id":"p","video_filename":"v.mp4"}`))
	if !terminal || err == nil {
		t.Errorf("terminal = %v, err = %v", terminal, err)
	}
}

func TestDownloader_Ensure(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	job := &models.RenderJob{ProjectID: "p", VideoFilename: "v.mp4", S3Key: "k", Bucket: "b"}

	d := NewDownloader(layout, &fakeSources{err: errors.New("NoSuchKey")}, quietLogger())
	if _, err := d.Ensure(context.Background(), job); err == nil || !strings.Contains(err.Error(), "NoSuchKey") {
		t.Errorf("error = %v", err)
	}

	d = NewDownloader(layout, nil, quietLogger())
	if _, err := d.Ensure(context.Background(), job); !errors.Is(err, models.ErrVideoMissing) {
		t.Errorf("error = %v, want ErrVideoMissing", err)
	}
}
