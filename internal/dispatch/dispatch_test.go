package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/shineum/carmailer/internal/compose"
	"github.com/shineum/carmailer/internal/email"
)

// mockProvider implements provider.Provider and records every call.
type mockProvider struct {
	events     []string
	subjects   map[string][]string
	failFor    map[string]bool
	connectErr error
	closeErr   error
	connects   int
	closes     int
}

func newMockProvider() *mockProvider {
	return &mockProvider{subjects: make(map[string][]string), failFor: make(map[string]bool)}
}

func (m *mockProvider) Connect(context.Context) error {
	m.connects++
	m.events = append(m.events, "connect")
	return m.connectErr
}

func (m *mockProvider) Send(_ context.Context, msg *mail.Msg) error {
	rcpts, err := msg.GetRecipients()
	if err != nil {
		return err
	}
	to := rcpts[0]
	m.events = append(m.events, "send:"+to)
	m.subjects[to] = append(m.subjects[to], msg.GetGenHeader(mail.HeaderSubject)...)
	if m.failFor[to] {
		return fmt.Errorf("550 rejected %s", to)
	}
	return nil
}

func (m *mockProvider) Close() error {
	m.closes++
	m.events = append(m.events, "close")
	return m.closeErr
}

func (m *mockProvider) Name() string { return "mock" }

// recordingObserver implements Observer for testing.
type recordingObserver struct {
	sending  []string
	failed   []string
	archived []string
	reports  []StatusReport
	waits    []time.Duration
}

func (o *recordingObserver) Sending(n int, r email.Recipient) {
	o.sending = append(o.sending, fmt.Sprintf("%d:%s", n, r.Address))
}

func (o *recordingObserver) Archived(r email.Recipient, location string) {
	o.archived = append(o.archived, location)
}

func (o *recordingObserver) Failed(r email.Recipient, _ error) {
	o.failed = append(o.failed, r.Address)
}

func (o *recordingObserver) Status(report StatusReport) {
	o.reports = append(o.reports, report)
}

func (o *recordingObserver) Waiting(d time.Duration) {
	o.waits = append(o.waits, d)
}

// recordingSleeper returns immediately and remembers the requested delays.
type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

// fakeArchiver implements archive.Archiver.
type fakeArchiver struct {
	failFor map[string]bool
	stored  []string
}

func (a *fakeArchiver) Archive(_ context.Context, r email.Recipient, _ *mail.Msg) (string, error) {
	if a.failFor[r.Address] {
		return "", errors.New("disk full")
	}
	a.stored = append(a.stored, r.Address)
	return "/out/" + r.Address + ".eml", nil
}

func testMail(addresses ...string) email.Mail {
	rcpts := make([]email.Recipient, len(addresses))
	for i, a := range addresses {
		rcpts[i] = email.Recipient{Address: a, Tags: []string{fmt.Sprintf("tag%d", i+1)}}
	}
	return email.Mail{
		Headers: email.Headers{
			From:            "sender@example.com",
			Subject:         "Hi",
			MessageIDDomain: "example.com",
		},
		Recipients: rcpts,
		Body:       email.Body{Text: "Hello %1", Charset: "utf-8"},
	}
}

func addresses(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("r%d@example.com", i+1)
	}
	return out
}

type fixture struct {
	provider *mockProvider
	observer *recordingObserver
	sleeper  *recordingSleeper
}

func newDispatcher(opts ...Option) (*Dispatcher, *fixture) {
	f := &fixture{
		provider: newMockProvider(),
		observer: &recordingObserver{},
		sleeper:  &recordingSleeper{},
	}
	a := compose.New(compose.IDFunc(func(d string) string { return "id@" + d }))
	base := []Option{
		WithObserver(f.observer),
		WithSleeper(f.sleeper.sleep),
		WithConnectBackoff(0, time.Millisecond),
	}
	return New(f.provider, a, append(base, opts...)...), f
}

func reportSubjects(reports []StatusReport) []string {
	out := make([]string, len(reports))
	for i, r := range reports {
		out[i] = r.Headers.Subject
	}
	return out
}

func TestRun_BatchBoundaries(t *testing.T) {
	t.Parallel()

	d, f := newDispatcher()
	opts := SendOptions{StatusAddress: "ops@example.com", MaxMailsPerBatch: 3, DelayBetweenBatches: 10 * time.Second}

	res, err := d.Run(context.Background(), testMail(addresses(7)...), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Sent != 7 || res.Total != 7 || len(res.Failures) != 0 {
		t.Errorf("result: got %+v", res)
	}

	want := []string{`3 of 7 sent: "Hi"`, `6 of 7 sent: "Hi"`, `7 of 7 sent: "Hi"`}
	if got := reportSubjects(f.observer.reports); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("reports: got %v, want %v", got, want)
	}
	for _, r := range f.observer.reports {
		if !r.Delivered || r.Err != nil {
			t.Errorf("report %q not delivered: %v", r.Headers.Subject, r.Err)
		}
	}
	if got := f.provider.subjects["ops@example.com"]; len(got) != 3 {
		t.Errorf("status messages sent: got %d, want 3", len(got))
	}

	if len(f.sleeper.delays) != 2 || f.sleeper.delays[0] != 10*time.Second {
		t.Errorf("delays: got %v, want two of 10s", f.sleeper.delays)
	}
	if len(f.observer.waits) != 2 {
		t.Errorf("waiting events: got %d, want 2", len(f.observer.waits))
	}
	if f.provider.connects != 3 || f.provider.closes != 3 {
		t.Errorf("connects=%d closes=%d, want 3 and 3", f.provider.connects, f.provider.closes)
	}
	if f.observer.sending[0] != "1:r1@example.com" || f.observer.sending[6] != "7:r7@example.com" {
		t.Errorf("sending events: got %v", f.observer.sending)
	}
}

func TestRun_SessionLifecycle(t *testing.T) {
	t.Parallel()

	d, f := newDispatcher()
	opts := SendOptions{StatusAddress: "ops@example.com", MaxMailsPerBatch: 2}

	if _, err := d.Run(context.Background(), testMail(addresses(3)...), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"connect", "send:r1@example.com", "send:r2@example.com", "send:ops@example.com", "close",
		"connect", "send:r3@example.com", "send:ops@example.com", "close",
	}
	if strings.Join(f.provider.events, " ") != strings.Join(want, " ") {
		t.Errorf("events:\n got %v\nwant %v", f.provider.events, want)
	}
}

func TestRun_LedgerDedup(t *testing.T) {
	t.Parallel()

	d, f := newDispatcher()
	f.provider.failFor["a@example.com"] = true
	f.provider.failFor["c@example.com"] = true

	m := testMail("a@example.com", "b@example.com", "a@example.com", "c@example.com")
	res, err := d.Run(context.Background(), m, DefaultSendOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Failures) != 2 || res.Failures[0].Address != "a@example.com" || res.Failures[1].Address != "c@example.com" {
		t.Fatalf("failures: got %+v, want [a c]", res.Failures)
	}
	if res.Failures[0].Tags[0] != "tag1" {
		t.Errorf("ledger should keep the first failure's tags, got %v", res.Failures[0].Tags)
	}
	if res.Sent != 4 {
		t.Errorf("sent: got %d, want 4", res.Sent)
	}
	if len(f.observer.failed) != 3 {
		t.Errorf("failed events: got %d, want 3", len(f.observer.failed))
	}
}

func TestRun_DryRun(t *testing.T) {
	t.Parallel()

	d, f := newDispatcher()
	opts := SendOptions{DryRun: true, StatusAddress: "ops@example.com", MaxMailsPerBatch: 3}

	res, err := d.Run(context.Background(), testMail(addresses(7)...), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.provider.connects != 0 || len(f.provider.events) != 0 {
		t.Errorf("dry run touched the provider: %v", f.provider.events)
	}
	if res.Sent != 7 {
		t.Errorf("sent: got %d, want 7", res.Sent)
	}
	want := []string{`3 of 7 sent: "Hi"`, `6 of 7 sent: "Hi"`, `7 of 7 sent: "Hi"`}
	if got := reportSubjects(f.observer.reports); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("reports: got %v, want %v", got, want)
	}
	for _, r := range f.observer.reports {
		if r.Delivered {
			t.Error("dry run report marked delivered")
		}
	}
	if len(f.sleeper.delays) != 2 {
		t.Errorf("delays: got %d, want 2", len(f.sleeper.delays))
	}
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	d, f := newDispatcher()
	f.provider.failFor["r3@example.com"] = true
	opts := SendOptions{StatusAddress: "ops@example.com", MaxMailsPerBatch: 2, DelayBetweenBatches: time.Minute}

	res, err := d.Run(context.Background(), testMail(addresses(5)...), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.observer.reports) != 3 {
		t.Fatalf("reports: got %d, want 3", len(f.observer.reports))
	}
	last := f.observer.reports[2]
	if !strings.HasPrefix(last.Headers.Subject, "5 of 5 sent") {
		t.Errorf("final subject: got %q", last.Headers.Subject)
	}
	wantBody := "Sent 5 messages out of 5.\n1 failures:\nr3@example.com|tag3\n"
	if last.Body.Text != wantBody {
		t.Errorf("final body:\n got %q\nwant %q", last.Body.Text, wantBody)
	}
	if first := f.observer.reports[0].Body.Text; !strings.Contains(first, "No critical failures.") {
		t.Errorf("first report should have no failures, got %q", first)
	}
	if len(res.Failures) != 1 || res.Failures[0].Address != "r3@example.com" {
		t.Errorf("failures: got %+v", res.Failures)
	}
}

func TestRun_ComposeErrorContinues(t *testing.T) {
	t.Parallel()

	d, f := newDispatcher()
	m := testMail("r1@example.com", "not an address", "r3@example.com")

	res, err := d.Run(context.Background(), m, DefaultSendOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Failures) != 1 || res.Failures[0].Address != "not an address" {
		t.Errorf("failures: got %+v", res.Failures)
	}
	if len(f.provider.subjects["r3@example.com"]) != 1 {
		t.Error("recipient after the compose error was not sent")
	}
	if res.Sent != 3 {
		t.Errorf("sent: got %d, want 3", res.Sent)
	}
}

func TestRun_ConnectFailureAborts(t *testing.T) {
	t.Parallel()

	d, f := newDispatcher(WithConnectBackoff(2, time.Millisecond))
	f.provider.connectErr = errors.New("connection refused")

	res, err := d.Run(context.Background(), testMail(addresses(3)...), DefaultSendOptions())

	var te *TransportError
	if !errors.As(err, &te) || te.Op != "connect" {
		t.Fatalf("error: got %v, want connect TransportError", err)
	}
	if f.provider.connects != 3 {
		t.Errorf("connect attempts: got %d, want 3", f.provider.connects)
	}
	if f.provider.closes != 0 {
		t.Errorf("closes: got %d, want 0 for a session that never opened", f.provider.closes)
	}
	if res == nil || res.Sent != 0 {
		t.Errorf("result: got %+v, want zero sent", res)
	}
}

func TestRun_CloseFailureAborts(t *testing.T) {
	t.Parallel()

	d, f := newDispatcher()
	f.provider.closeErr = errors.New("broken pipe")

	res, err := d.Run(context.Background(), testMail(addresses(4)...), SendOptions{MaxMailsPerBatch: 2})

	var te *TransportError
	if !errors.As(err, &te) || te.Op != "close" {
		t.Fatalf("error: got %v, want close TransportError", err)
	}
	if res.Sent != 2 || len(f.sleeper.delays) != 0 {
		t.Errorf("run should stop after the first batch: sent=%d delays=%d", res.Sent, len(f.sleeper.delays))
	}
}

func TestRun_CancelDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, f := newDispatcher(WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))

	res, err := d.Run(ctx, testMail(addresses(5)...), SendOptions{MaxMailsPerBatch: 2, DelayBetweenBatches: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error: got %v, want context.Canceled", err)
	}
	if res.Sent != 2 {
		t.Errorf("sent: got %d, want 2", res.Sent)
	}
	if f.provider.closes != 1 {
		t.Errorf("closes: got %d, want 1", f.provider.closes)
	}
}

func TestRun_Archive(t *testing.T) {
	t.Parallel()

	arch := &fakeArchiver{failFor: map[string]bool{"r2@example.com": true}}
	d, f := newDispatcher(WithArchiver(arch))

	res, err := d.Run(context.Background(), testMail(addresses(3)...), DefaultSendOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(arch.stored) != 2 || len(f.observer.archived) != 2 {
		t.Errorf("archived: got %v", arch.stored)
	}
	if _, sent := f.provider.subjects["r2@example.com"]; sent {
		t.Error("message was sent although archiving failed")
	}
	if len(res.Failures) != 1 || res.Failures[0].Address != "r2@example.com" {
		t.Errorf("failures: got %+v", res.Failures)
	}
}

func TestRun_StatusFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	d, f := newDispatcher()
	f.provider.failFor["ops@example.com"] = true

	res, err := d.Run(context.Background(), testMail(addresses(2)...), SendOptions{StatusAddress: "ops@example.com", MaxMailsPerBatch: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.observer.reports) != 2 || f.observer.reports[0].Err == nil {
		t.Fatalf("reports: got %+v, want two failed reports", f.observer.reports)
	}
	if len(res.Failures) != 0 {
		t.Errorf("status failure must not enter the ledger, got %+v", res.Failures)
	}
}

func TestRun_InvalidOptions(t *testing.T) {
	t.Parallel()

	d, _ := newDispatcher()
	if _, err := d.Run(context.Background(), testMail("a@example.com"), SendOptions{}); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("error: got %v, want ErrInvalidOptions", err)
	}
}

func TestRun_RendersTags(t *testing.T) {
	t.Parallel()

	var bodies []string
	d, _ := newDispatcher(WithArchiver(archiverFunc(func(r email.Recipient, msg *mail.Msg) {
		for _, p := range msg.GetParts() {
			c, _ := p.GetContent()
			bodies = append(bodies, string(c))
		}
	})))

	if _, err := d.Run(context.Background(), testMail("a@example.com", "b@example.com"), DefaultSendOptions()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(bodies) != 2 || bodies[0] != "Hello tag1" || bodies[1] != "Hello tag2" {
		t.Errorf("bodies: got %q", bodies)
	}
}

// archiverFunc adapts a callback to archive.Archiver.
type archiverFunc func(r email.Recipient, msg *mail.Msg)

func (f archiverFunc) Archive(_ context.Context, r email.Recipient, msg *mail.Msg) (string, error) {
	f(r, msg)
	return "", nil
}
