package pubsub

import (
	"context"
	"testing"

	"github.com/streamclub/allocator/pkg/config"
)

func TestTopicResourceName(t *testing.T) {
	cases := []struct {
		project, name, want string
	}{
		{"proj", "allocator-notifications", "projects/proj/topics/allocator-notifications"},
		{"proj", " projects/other/topics/t ", "projects/other/topics/t"},
		{"", "t", ""},
		{"proj", "  ", ""},
	}
	for _, tc := range cases {
		if got := topicResourceName(tc.project, tc.name); got != tc.want {
			t.Fatalf("topicResourceName(%q, %q) = %q, want %q", tc.project, tc.name, got, tc.want)
		}
	}
}

func TestNewClientRequiresProjectAndTopic(t *testing.T) {
	ctx := context.Background()
	if _, err := NewClient(ctx, config.GCPConfig{}, config.PubSubConfig{NotificationTopic: "t"}, nil); err != errProjectIDRequired {
		t.Fatalf("expected project id error, got %v", err)
	}
	if _, err := NewClient(ctx, config.GCPConfig{ProjectID: "p"}, config.PubSubConfig{}, nil); err != errTopicRequired {
		t.Fatalf("expected topic error, got %v", err)
	}
}

func TestClientOptions(t *testing.T) {
	if opts := clientOptions(config.GCPConfig{}); len(opts) != 0 {
		t.Fatalf("expected default credentials, got %d options", len(opts))
	}
	if opts := clientOptions(config.GCPConfig{CredentialsJSON: "{}", CredentialsFile: "/x"}); len(opts) != 1 {
		t.Fatalf("expected one credential option, got %d", len(opts))
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	if c.NotificationPublisher() != nil {
		t.Fatal("expected nil publisher")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
