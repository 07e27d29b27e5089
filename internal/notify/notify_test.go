package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/datagrid/internal/store"
)

type sentMail struct {
	to, subject, text, html string
}

type fakeMailer struct {
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, textBody, htmlBody string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, text: textBody, html: htmlBody})
	return nil
}

func seedCompletedUpload(t *testing.T, st *store.Memory, user *store.User) *store.Upload {
	t.Helper()

	ctx := context.Background()
	if user != nil {
		st.AddUser(user)
	}

	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	completed := started.Add(42 * time.Second)

	userID := uuid.New()
	if user != nil {
		userID = user.ID
	}

	u := &store.Upload{
		UserID:           userID,
		OriginalFilename: "contacts.csv",
		Status:           store.StatusCompleted,
		TotalRows:        15000,
		ProcessedRows:    15000,
		StartedAt:        &started,
		CompletedAt:      &completed,
	}
	if err := st.CreateUpload(ctx, u); err != nil {
		t.Fatalf("CreateUpload() error: %v", err)
	}
	if err := st.BulkInsertRows(ctx, u.ID, []map[string]interface{}{
		{"email": "a@example.com", "first_name": "Alice"},
	}); err != nil {
		t.Fatalf("BulkInsertRows() error: %v", err)
	}
	return u
}

func TestNotifier_UploadCompleted(t *testing.T) {
	st := store.NewMemory()
	mailer := &fakeMailer{}

	owner := &store.User{ID: uuid.New(), Email: "owner@example.com", Name: "Dana"}
	u := seedCompletedUpload(t, st, owner)

	n := New(st, mailer)
	if err := n.UploadCompleted(context.Background(), u.ID); err != nil {
		t.Fatalf("UploadCompleted() error: %v", err)
	}

	if len(mailer.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(mailer.sent))
	}
	msg := mailer.sent[0]

	if msg.to != "owner@example.com" {
		t.Errorf("to = %s", msg.to)
	}
	if !strings.Contains(msg.subject, "contacts.csv") {
		t.Errorf("subject = %q", msg.subject)
	}
	if !strings.Contains(msg.text, "Dana") {
		t.Errorf("greeting missing from text body:\n%s", msg.text)
	}
	if !strings.Contains(msg.text, "15,000") {
		t.Errorf("row total missing from text body:\n%s", msg.text)
	}
	if !strings.Contains(msg.text, "42.0s") {
		t.Errorf("duration missing from text body:\n%s", msg.text)
	}
	if !strings.Contains(msg.html, "email, first_name") {
		t.Errorf("columns missing from html body:\n%s", msg.html)
	}
	if !strings.Contains(msg.text, "email: a@example.com") {
		t.Errorf("sample row missing from text body:\n%s", msg.text)
	}
	if !strings.Contains(msg.html, "first_name: Alice") {
		t.Errorf("sample row missing from html body:\n%s", msg.html)
	}
}

func TestNotifier_IncludesRecordedErrors(t *testing.T) {
	st := store.NewMemory()
	mailer := &fakeMailer{}

	owner := &store.User{ID: uuid.New(), Email: "owner@example.com", Name: "Dana"}
	u := seedCompletedUpload(t, st, owner)

	u.Errors = []string{"row 12: malformed quote", "row 90: malformed quote"}
	if err := st.UpdateUpload(context.Background(), u); err != nil {
		t.Fatalf("UpdateUpload() error: %v", err)
	}

	n := New(st, mailer)
	if err := n.UploadCompleted(context.Background(), u.ID); err != nil {
		t.Fatalf("UploadCompleted() error: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(mailer.sent))
	}

	msg := mailer.sent[0]
	if !strings.Contains(msg.text, "Warnings: 2") {
		t.Errorf("warning count missing from text body:\n%s", msg.text)
	}
	if !strings.Contains(msg.text, "row 12: malformed quote") {
		t.Errorf("recorded errors missing from text body:\n%s", msg.text)
	}
	if !strings.Contains(msg.html, "row 90: malformed quote") {
		t.Errorf("recorded errors missing from html body:\n%s", msg.html)
	}
}

func TestNotifier_SkipsWhenNoEmail(t *testing.T) {
	st := store.NewMemory()
	mailer := &fakeMailer{}

	owner := &store.User{ID: uuid.New(), Email: "", Name: "Dana"}
	u := seedCompletedUpload(t, st, owner)

	n := New(st, mailer)
	if err := n.UploadCompleted(context.Background(), u.ID); err != nil {
		t.Fatalf("UploadCompleted() error: %v", err)
	}
	if len(mailer.sent) != 0 {
		t.Errorf("sent %d emails for owner without address", len(mailer.sent))
	}
}

func TestNotifier_SkipsWhenOwnerMissing(t *testing.T) {
	st := store.NewMemory()
	mailer := &fakeMailer{}

	u := seedCompletedUpload(t, st, nil)

	n := New(st, mailer)
	if err := n.UploadCompleted(context.Background(), u.ID); err != nil {
		t.Fatalf("UploadCompleted() error: %v", err)
	}
	if len(mailer.sent) != 0 {
		t.Errorf("sent %d emails for unknown owner", len(mailer.sent))
	}
}

func TestNotifier_DefaultGreeting(t *testing.T) {
	st := store.NewMemory()
	mailer := &fakeMailer{}

	owner := &store.User{ID: uuid.New(), Email: "owner@example.com"}
	u := seedCompletedUpload(t, st, owner)

	n := New(st, mailer)
	if err := n.UploadCompleted(context.Background(), u.ID); err != nil {
		t.Fatalf("UploadCompleted() error: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(mailer.sent))
	}
	if !strings.Contains(mailer.sent[0].text, "Hi there") {
		t.Errorf("default greeting missing:\n%s", mailer.sent[0].text)
	}
}
