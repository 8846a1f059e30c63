package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) String() string { return strings.Join(l.calls, ",") }

type fakeArchiver struct {
	log        *callLog
	encryptErr error
	panicOn    string
	password   string
}

func (f *fakeArchiver) Encrypt(_ context.Context, src, dst, password string) error {
	if f.panicOn != "" && strings.Contains(src, f.panicOn) {
		panic("archiver exploded")
	}
	f.log.add("encrypt")
	if f.encryptErr != nil {
		return f.encryptErr
	}
	f.password = password
	return os.WriteFile(dst, []byte("7z:"+password), 0o600)
}

func (f *fakeArchiver) Wrap(src, dst string) error {
	f.log.add("wrap")
	return os.WriteFile(dst, []byte("zip"), 0o600)
}

type fakePasswords struct {
	log     *callLog
	records map[string]string
}

func (f *fakePasswords) StorePassword(_ context.Context, filename, password string) error {
	f.log.add("store")
	if f.records == nil {
		f.records = map[string]string{}
	}
	f.records[filename] = password
	return nil
}

type fakeMailer struct {
	log  *callLog
	sent []Email
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg Email) error {
	f.log.add("email:" + msg.To)
	if msg.AttachmentPath != "" {
		if _, err := os.Stat(msg.AttachmentPath); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return f.err
}

type fakeSMS struct {
	log  *callLog
	to   []string
	pass []string
}

func (f *fakeSMS) SendPassword(_ context.Context, to, password string) error {
	f.log.add("sms")
	f.to = append(f.to, to)
	f.pass = append(f.pass, password)
	return nil
}

type fakeBackup struct {
	paths []string
	err   error
}

func (f *fakeBackup) Backup(_ context.Context, tenant, path string) (string, error) {
	f.paths = append(f.paths, path)
	if f.err != nil {
		return "", f.err
	}
	return tenant + "/key", nil
}

type dispatchFixture struct {
	log       *callLog
	archiver  *fakeArchiver
	passwords *fakePasswords
	mailer    *fakeMailer
	sms       *fakeSMS
	d         *Dispatcher
	dir       string
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	log := &callLog{}
	f := &dispatchFixture{
		log:       log,
		archiver:  &fakeArchiver{log: log},
		passwords: &fakePasswords{log: log},
		mailer:    &fakeMailer{log: log},
		sms:       &fakeSMS{log: log},
		dir:       t.TempDir(),
	}
	f.d = &Dispatcher{
		Archiver:           f.archiver,
		Passwords:          f.passwords,
		Mailer:             f.mailer,
		SMS:                f.sms,
		OpsEmail:           "ops@example.com",
		RosterWaitInterval: time.Millisecond,
		RosterWaitAttempts: 2,
		Sleep:              func(context.Context, time.Duration) error { return nil },
	}
	return f
}

func (f *dispatchFixture) pdf(t *testing.T, recipient string) string {
	t.Helper()
	path := filepath.Join(f.dir, recipient+".pdf")
	if err := os.WriteFile(path, []byte("%PDF"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessReport_PhoneFound(t *testing.T) {
	f := newDispatchFixture(t)
	roster := writeRoster(t, "Email,Phone\njohn@example.com,+4407368166834\n")
	pdf := f.pdf(t, "john@example.com")

	res, err := f.d.ProcessReport(context.Background(), "Club A", pdf, roster)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := f.log.String(); got != "encrypt,store,wrap,email:john@example.com,sms" {
		t.Fatalf("call order = %s", got)
	}
	if !res.SMSSent || res.Phone != "+447368166834" || res.ArchiveName != "john@example.com.7z" {
		t.Fatalf("result = %+v", res)
	}

	stored := f.passwords.records["john@example.com.7z"]
	if stored == "" || stored != f.archiver.password || f.sms.pass[0] != stored {
		t.Fatalf("password mismatch: stored=%q archive=%q sms=%v", stored, f.archiver.password, f.sms.pass)
	}
	if f.sms.to[0] != "+447368166834" {
		t.Fatalf("sms to %v", f.sms.to)
	}

	msg := f.mailer.sent[0]
	if msg.Subject != "Encrypted PDF Archive" || !strings.HasSuffix(msg.Body, closingPasswordSent) {
		t.Fatalf("email = %+v", msg)
	}
	if filepath.Base(msg.AttachmentPath) != "john@example.com.zip" {
		t.Fatalf("attachment = %s", msg.AttachmentPath)
	}

	for _, name := range []string{"john@example.com.pdf", "john@example.com.7z", "john@example.com.zip"} {
		if _, err := os.Stat(filepath.Join(f.dir, name)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("working file %s left behind", name)
		}
	}
}

func TestProcessReport_NoSMSWithoutUsablePhone(t *testing.T) {
	cases := []struct {
		name   string
		roster func(t *testing.T) string
		phone  string
	}{
		{"roster missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.csv") }, PhoneNotFound},
		{"not in roster", func(t *testing.T) string { return writeRoster(t, "Email,Phone\nother@example.com,+12125551212\n") }, PhoneNotFound},
		{"invalid number", func(t *testing.T) string { return writeRoster(t, "Email,Phone\njane@example.com,12345\n") }, PhoneInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newDispatchFixture(t)
			res, err := f.d.ProcessReport(context.Background(), "Club A", f.pdf(t, "jane@example.com"), tc.roster(t))
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			if res.SMSSent || len(f.sms.to) != 0 {
				t.Fatalf("sms must not be sent")
			}
			if res.Phone != tc.phone {
				t.Fatalf("phone = %q, want %q", res.Phone, tc.phone)
			}
			if len(f.mailer.sent) != 1 || !strings.HasSuffix(f.mailer.sent[0].Body, closingPhoneNotFound) {
				t.Fatalf("email not sent with the not-found closing: %+v", f.mailer.sent)
			}
		})
	}
}

func TestProcessReport_BackupFailureIsNotFatal(t *testing.T) {
	f := newDispatchFixture(t)
	backup := &fakeBackup{err: errors.New("s3 down")}
	f.d.Backup = backup

	_, err := f.d.ProcessReport(context.Background(), "Club A", f.pdf(t, "x@example.com"), filepath.Join(f.dir, "none.csv"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(backup.paths) != 1 || filepath.Base(backup.paths[0]) != "x@example.com.7z" {
		t.Fatalf("backup paths = %v", backup.paths)
	}
	if len(f.mailer.sent) != 1 {
		t.Fatalf("email should still be sent")
	}
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	f := newDispatchFixture(t)
	f.archiver.panicOn = "boom@"
	roster := filepath.Join(f.dir, "none.csv")
	files := []string{
		f.pdf(t, "boom@example.com"),
		f.pdf(t, "ok@example.com"),
	}

	results := f.d.ProcessBatch(context.Background(), "Club A", files, roster)
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Err == nil || !strings.Contains(results[0].Err.Error(), "panic") {
		t.Fatalf("first file should fail with recovered panic, got %v", results[0].Err)
	}
	if results[1].Err != nil {
		t.Fatalf("second file should succeed: %v", results[1].Err)
	}

	var ops *Email
	for i := range f.mailer.sent {
		if f.mailer.sent[i].To == "ops@example.com" {
			ops = &f.mailer.sent[i]
		}
	}
	if ops == nil {
		t.Fatalf("no failure notification sent: %s", f.log)
	}
	if ops.Subject != "PDF Pipeline Failure - Club A" || !strings.HasPrefix(ops.Body, "Error processing boom@example.com.pdf:\n") {
		t.Fatalf("failure email = %+v", ops)
	}
}

func TestProcessReport_EncryptFailureSendsNothing(t *testing.T) {
	f := newDispatchFixture(t)
	f.archiver.encryptErr = errors.New("7z missing")

	results := f.d.ProcessBatch(context.Background(), "Club A", []string{f.pdf(t, "a@example.com")}, filepath.Join(f.dir, "none.csv"))
	if results[0].Err == nil {
		t.Fatalf("expected error")
	}
	if len(f.passwords.records) != 0 || len(f.sms.to) != 0 {
		t.Fatalf("nothing should be stored or texted after encrypt failure")
	}
	for _, m := range f.mailer.sent {
		if m.To == "a@example.com" {
			t.Fatalf("patient email sent despite failure")
		}
	}
}

func TestWaitForFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.csv")
	sleeps := 0
	sleep := func(context.Context, time.Duration) error {
		sleeps++
		if sleeps == 2 {
			return os.WriteFile(path, nil, 0o600)
		}
		return nil
	}
	if err := waitForFile(context.Background(), path, time.Second, 30, sleep); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if sleeps != 2 {
		t.Fatalf("slept %d times", sleeps)
	}

	sleeps = 0
	err := waitForFile(context.Background(), filepath.Join(dir, "never.csv"), time.Second, 3, func(context.Context, time.Duration) error {
		sleeps++
		return nil
	})
	if !errors.Is(err, ErrWaitTimeout) || sleeps != 3 {
		t.Fatalf("err=%v sleeps=%d", err, sleeps)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := waitForFile(ctx, filepath.Join(dir, "never.csv"), time.Hour, 3, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
