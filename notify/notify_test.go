package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/warp/issuance-engine/config"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/workflow"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m...)
	return nil
}

type directory map[inventory.WorkerID]inventory.Worker

func (d directory) GetWorker(_ context.Context, _ inventory.TenantID, id inventory.WorkerID) (*inventory.Worker, error) {
	w, ok := d[id]
	if !ok {
		return nil, inventory.ErrNotFound
	}
	return &w, nil
}

var workers = directory{
	"w1": {ID: "w1", TenantID: "acme", Name: "Ana", Email: "ana@example.com", Active: true},
	"w2": {ID: "w2", TenantID: "acme", Name: "Bruno", Active: true},
}

func approved(worker inventory.WorkerID) workflow.Notification {
	return workflow.Notification{
		TenantID:  "acme",
		RequestID: "r1",
		WorkerID:  worker,
		Status:    inventory.StatusApproved,
		Subject:   "Request approved",
		Body:      "Your request for 2 x Helmet was approved.",
	}
}

func newEmail(sender *fakeSender) *Email {
	return &Email{Sender: sender, Workers: workers, FromAddress: "no-reply@acme.test", FromName: "EPI"}
}

func TestEmail_SendsToWorker(t *testing.T) {
	sender := &fakeSender{}

	require.NoError(t, newEmail(sender).Notify(context.Background(), approved("w1")))

	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	assert.Contains(t, strings.Join(m.GetHeader("To"), ","), "ana@example.com")
	assert.Contains(t, strings.Join(m.GetHeader("From"), ","), "no-reply@acme.test")
	assert.Equal(t, []string{"Request approved"}, m.GetHeader("Subject"))
}

func TestEmail_SkipsWorkerWithoutAddress(t *testing.T) {
	sender := &fakeSender{}

	require.NoError(t, newEmail(sender).Notify(context.Background(), approved("w2")))
	assert.Empty(t, sender.sent)
}

func TestEmail_Errors(t *testing.T) {
	err := newEmail(&fakeSender{}).Notify(context.Background(), approved("ghost"))
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	smtpDown := errors.New("connection refused")
	err = newEmail(&fakeSender{err: smtpDown}).Notify(context.Background(), approved("w1"))
	assert.ErrorIs(t, err, smtpDown)
}

func TestEmail_EscapesHTML(t *testing.T) {
	n := approved("w1")
	n.Body = "rejected: <script>"
	assert.Contains(t, htmlBody("Ana", n), "&lt;script&gt;")
	assert.Contains(t, plainBody("Ana", n), "Hello Ana")
}

func TestNewEmail_UsesConfig(t *testing.T) {
	e := NewEmail(config.EmailConfig{Host: "smtp.acme.test", Port: 2525, FromAddress: "ops@acme.test", FromName: "Ops"}, workers)

	d, ok := e.Sender.(*gomail.Dialer)
	require.True(t, ok)
	assert.Equal(t, "smtp.acme.test", d.Host)
	assert.Equal(t, 2525, d.Port)
	assert.Equal(t, "ops@acme.test", e.FromAddress)
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	var got []inventory.RequestStatus
	record := workflow.NotifierFunc(func(_ context.Context, n workflow.Notification) error {
		got = append(got, n.Status)
		return nil
	})
	boom := errors.New("boom")
	failing := workflow.NotifierFunc(func(context.Context, workflow.Notification) error { return boom })

	err := Multi{record, failing, NewLog(), record}.Notify(context.Background(), approved("w1"))

	assert.ErrorIs(t, err, boom)
	assert.Len(t, got, 2, "a failing notifier does not stop the others")
}
