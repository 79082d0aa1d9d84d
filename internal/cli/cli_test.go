package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/scheduled-dispatch/internal/api"
	"github.com/LeventeLantos/scheduled-dispatch/internal/auth"
	"github.com/LeventeLantos/scheduled-dispatch/internal/client"
	"github.com/LeventeLantos/scheduled-dispatch/internal/events"
	"github.com/LeventeLantos/scheduled-dispatch/internal/logging"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
	"github.com/LeventeLantos/scheduled-dispatch/internal/repo"
	"github.com/LeventeLantos/scheduled-dispatch/internal/scheduler"
	"github.com/LeventeLantos/scheduled-dispatch/internal/service"
)

const contactsYAML = `contacts:
  - id: x
    name: Client X
    phone: "06 30 111 2222"
    mail: x@example.com
`

type acceptAll struct{}

func (acceptAll) Deliver(_ context.Context, d client.Delivery) (string, error) {
	return "remote-" + d.ID, nil
}

type backend struct {
	url   string
	token string
	disp  *service.Dispatcher
}

func startBackend(t *testing.T) backend {
	t.Helper()

	r, err := repo.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	log := logging.Nop()
	hub := events.NewHub(log)
	svc := service.NewMessageService(r, service.WithPublisher(hub))
	disp := service.NewDispatcher(r, acceptAll{}, 160, 10, service.WithDispatchPublisher(hub))
	sched, err := scheduler.New(time.Hour, disp.Tick)
	require.NoError(t, err)

	tokens := auth.NewTokenService("test-key", "dispatchd", time.Hour)
	tok, _, err := tokens.Issue("alice")
	require.NoError(t, err)

	srv := httptest.NewServer(api.Router(api.NewHandler(sched, svc, tokens, hub, log)))
	t.Cleanup(srv.Close)
	return backend{url: srv.URL, token: tok, disp: disp}
}

func writeContacts(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contacts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contactsYAML), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func inAnHour() (date, clock string) {
	at := time.Now().Add(time.Hour).UTC()
	return at.Format("2006-01-02"), at.Format("15:04")
}

func TestCheck_ReportsEveryProblem(t *testing.T) {
	out, err := run(t, "check", "-c", "mail", "--contacts", writeContacts(t),
		"--to", "x", "--date", "2000-01-01", "--time", "10:00", "--tz", "UTC")

	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	for _, field := range []string{"scheduledAt", "body", "subject"} {
		_, ok := verr.Field(field)
		assert.True(t, ok, "missing problem for %s", field)
		assert.Contains(t, out, field+":")
	}
}

func TestCheck_OK(t *testing.T) {
	date, clock := inAnHour()
	out, err := run(t, "check", "--contacts", writeContacts(t),
		"--to", "x", "--body", "Hi", "--date", date, "--time", clock, "--tz", "UTC")

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ok: "), out)
}

func TestCheck_UnknownTimeZone(t *testing.T) {
	_, err := run(t, "check", "--tz", "Mars/Olympus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--tz")
}

func TestCreateSendNowAndDelete(t *testing.T) {
	b := startBackend(t)
	contacts := writeContacts(t)
	date, clock := inAnHour()
	common := []string{"--server", b.url, "--token", b.token, "-c", "sms", "--country-code", "36"}

	out, err := run(t, append([]string{"create", "--contacts", contacts, "--to", "x",
		"--body", "Reminder", "--date", date, "--time", clock, "--tz", "UTC"}, common...)...)
	require.NoError(t, err)

	var created model.ScheduledMessage
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, model.Pending, created.Status)
	assert.Equal(t, "+36301112222", created.Recipients[0].Address)

	out, err = run(t, append([]string{"list", "--status", "pending"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, created.ID)
	assert.Contains(t, out, "Client X")

	out, err = run(t, append([]string{"send-now", created.ID}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "send requested")

	sent, failed, err := b.disp.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, failed)

	out, err = run(t, append([]string{"show", created.ID}, common...)...)
	require.NoError(t, err)
	var shown model.ScheduledMessage
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, model.Sent, shown.Status)
	assert.Equal(t, "remote-"+created.ID, shown.RemoteID)

	_, err = run(t, append([]string{"delete", created.ID}, common...)...)
	assert.True(t, errors.Is(err, model.ErrIllegalState), "got %v", err)

	_, err = run(t, append([]string{"edit", created.ID, "--body", "changed"}, common...)...)
	assert.True(t, errors.Is(err, model.ErrIllegalState), "got %v", err)
}

func TestEditPending(t *testing.T) {
	b := startBackend(t)
	contacts := writeContacts(t)
	date, clock := inAnHour()
	common := []string{"--server", b.url, "--token", b.token}

	out, err := run(t, append([]string{"create", "--contacts", contacts, "--to", "x",
		"--body", "first", "--date", date, "--time", clock, "--tz", "UTC"}, common...)...)
	require.NoError(t, err)
	var created model.ScheduledMessage
	require.NoError(t, json.Unmarshal([]byte(out), &created))

	out, err = run(t, append([]string{"edit", created.ID, "--body", "second"}, common...)...)
	require.NoError(t, err)
	var edited model.ScheduledMessage
	require.NoError(t, json.Unmarshal([]byte(out), &edited))
	assert.Equal(t, "second", edited.Body)

	_, err = run(t, append([]string{"edit", created.ID, "--body", "second"}, common...)...)
	assert.ErrorContains(t, err, "no changes")

	out, err = run(t, append([]string{"delete", created.ID}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+created.ID)
}

func TestMissingCredentials(t *testing.T) {
	t.Setenv("DISPATCH_TOKEN", "")
	_, err := run(t, "list", "--server", "http://127.0.0.1:1")
	assert.ErrorIs(t, err, errNoCredentials)
}

func TestToken(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "cli-key")

	out, err := run(t, "token", "--subject", "bob", "--issuer", "dispatchd")
	require.NoError(t, err)

	sub, err := auth.NewTokenService("cli-key", "dispatchd", time.Hour).Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "bob", sub)

	path := filepath.Join(t.TempDir(), "token")
	_, err = run(t, "token", "--subject", "bob", "-o", path)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = auth.NewTokenService("cli-key", "dispatchd", time.Hour).Validate(strings.TrimSpace(string(raw)))
	assert.NoError(t, err)
}

func TestToken_RequiresKey(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "")
	_, err := run(t, "token", "--subject", "bob")
	assert.ErrorContains(t, err, "JWT_SIGNING_KEY")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b", preview("a\n b", 10))
	assert.Equal(t, "abcd…", preview("abcdefgh", 5))
}
