package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(context.Background(), Notification{
		Title:   "Task abandoned",
		Message: "login failed 5 times",
		Type:    NotifyError,
		TaskID:  "login",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got.Text != "Task abandoned" || len(got.Attachments) != 1 {
		t.Fatalf("payload = %+v", got)
	}
	if got.Attachments[0].Title != "login" || got.Attachments[0].Color != "danger" {
		t.Errorf("attachment = %+v", got.Attachments[0])
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	if err := NewSlackNotifier(server.URL).Send(context.Background(), Notification{Title: "x"}); err == nil {
		t.Error("expected an error for status 403")
	}
}

func TestSlackNotifier_Disabled(t *testing.T) {
	if err := NewSlackNotifier("").Send(context.Background(), Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	rec1, rec2 := &Recorder{}, &Recorder{}
	failing := failingNotifier{err: errors.New("webhook down")}

	multi := NewMultiNotifier(rec1, failing, rec2)
	err := multi.Send(context.Background(), Notification{Title: "Test"})

	if !errors.Is(err, failing.err) {
		t.Errorf("Send() error = %v, want the failing notifier's error", err)
	}
	if len(rec1.Sent()) != 1 || len(rec2.Sent()) != 1 {
		t.Error("every notifier should be called despite a failure")
	}
}

func TestEscapeAppleScript(t *testing.T) {
	if got := escapeAppleScript(`say "hi" \ bye`); got != `say \"hi\" \\ bye` {
		t.Errorf("escapeAppleScript() = %s", got)
	}
}

type failingNotifier struct {
	err error
}

func (f failingNotifier) Send(context.Context, Notification) error {
	return f.err
}
