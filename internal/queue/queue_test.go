package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

type fakeSQS struct {
	sent []*sqs.SendMessageInput
	err  error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

type fakeSources struct {
	err  error
	path string
}

func (f *fakeSources) UploadSource(_ context.Context, projectID, videoPath string) (string, error) {
	f.path = videoPath
	if f.err != nil {
		return "", f.err
	}
	return "uploads/" + projectID + "/movie.mp4", nil
}

func (f *fakeSources) Bucket() string { return "kino-assets" }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProducer_Dispatch(t *testing.T) {
	project := &models.Project{ID: "proj_1", VideoFilename: "movie.mp4"}

	t.Run("shared storage", func(t *testing.T) {
		client := &fakeSQS{}
		p := NewProducer(client, "https://sqs.local/q", nil, quietLogger())
		if err := p.Dispatch(context.Background(), project, "/data/proj_1/movie.mp4"); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		if len(client.sent) != 1 || aws.ToString(client.sent[0].QueueUrl) != "https://sqs.local/q" {
			t.Fatalf("sent = %+v", client.sent)
		}
		job, err := Decode(client.sent[0].MessageBody)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if job.ProjectID != "proj_1" || job.VideoFilename != "movie.mp4" || job.JobID == "" || job.S3Key != "" {
			t.Errorf("job = %+v", job)
		}
	})

	t.Run("staged source", func(t *testing.T) {
		client := &fakeSQS{}
		sources := &fakeSources{}
		p := NewProducer(client, "q", sources, quietLogger())
		if err := p.Dispatch(context.Background(), project, "/data/proj_1/movie.mp4"); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		job, _ := Decode(client.sent[0].MessageBody)
		if job.S3Key != "uploads/proj_1/movie.mp4" || job.Bucket != "kino-assets" || sources.path != "/data/proj_1/movie.mp4" {
			t.Errorf("job = %+v", job)
		}
	})

	t.Run("upload failure", func(t *testing.T) {
		client := &fakeSQS{}
		p := NewProducer(client, "q", &fakeSources{err: errors.New("denied")}, quietLogger())
		if err := p.Dispatch(context.Background(), project, "x"); err == nil || len(client.sent) != 0 {
			t.Errorf("error = %v, sent = %d", err, len(client.sent))
		}
	})

	t.Run("send failure", func(t *testing.T) {
		p := NewProducer(&fakeSQS{err: errors.New("throttled")}, "q", nil, quietLogger())
		if err := p.Dispatch(context.Background(), project, "x"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    *string
		wantErr bool
	}{
		{"valid", aws.String(`{"job_id":"j","project_id":"p","video_filename":"v.mp4"}`), false},
		{"valid with source", aws.String(`{"project_id":"p","video_filename":"v.mp4","s3_key":"k","bucket":"b"}`), false},
		{"nil body", nil, true},
		{"bad json", aws.String(`{`), true},
		{"missing project", aws.String(`{"video_filename":"v.mp4"}`), true},
		{"missing filename", aws.String(`{"project_id":"p"}`), true},
		{"key without bucket", aws.String(`{"project_id":"p","video_filename":"v.mp4","s3_key":"k"}`), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, models.ErrJobParseFailed) {
				t.Errorf("error %v does not wrap ErrJobParseFailed", err)
			}
		})
	}
}
