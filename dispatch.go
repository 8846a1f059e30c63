package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
)

// ============================================================
// DISPATCH PIPELINE
// ============================================================

const (
	rosterWaitInterval = time.Second
	rosterWaitAttempts = 30

	reportEmailSubject = "Encrypted PDF Archive"

	reportEmailBody = "Please find your encrypted PDF archive attached.\n" +
		"To access the PDF please follow these steps:\n" +
		"    - Download and install 7zip from https://www.7-zip.org/download.html\n" +
		"    - Open the .zip attachment, click 'Extract all'\n" +
		"    - In the extracted folder, right-click on the .7z file → 7-zip → Open Archive\n" +
		"    - Enter the password sent via SMS\n" +
		"    - Double-click to open the PDF\n"

	closingPasswordSent     = "Password sent to provided contact number."
	closingPhoneNotFound    = "Phone number not found. Please contact us for the password."
	failureEmailSubjectBase = "PDF Pipeline Failure - "
)

// Dispatcher turns a downloaded report into an encrypted email plus an SMS
// with the password.
type Dispatcher struct {
	Archiver  Archiver
	Passwords PasswordStore
	Mailer    Mailer
	SMS       SMSSender
	Backup    ArchiveBackup // optional
	OpsEmail  string

	RosterWaitInterval time.Duration
	RosterWaitAttempts int
	Sleep              sleeper
}

// DispatchResult describes one delivered report.
type DispatchResult struct {
	Recipient   string
	ArchiveName string
	Phone       string
	SMSSent     bool
	BackupKey   string
}

// FileResult is the outcome for one file of a batch.
type FileResult struct {
	Path   string
	Result DispatchResult
	Err    error
}

func reportEmailText(phoneFound bool) string {
	if phoneFound {
		return reportEmailBody + closingPasswordSent
	}
	return reportEmailBody + closingPhoneNotFound
}

// ProcessReport delivers one report. The password is stored before anything
// leaves the host, and the SMS is sent only after the email went out and only
// when the roster holds a valid number. Working files are removed on return.
func (d *Dispatcher) ProcessReport(ctx context.Context, tenant, pdfPath, rosterPath string) (DispatchResult, error) {
	dir := filepath.Dir(pdfPath)
	recipient := strings.TrimSuffix(filepath.Base(pdfPath), ".pdf")
	archiveName := recipient + ".7z"
	archivePath := filepath.Join(dir, archiveName)
	zipPath := filepath.Join(dir, recipient+".zip")
	res := DispatchResult{Recipient: recipient, ArchiveName: archiveName, Phone: PhoneNotFound}

	defer func() {
		for _, p := range []string{pdfPath, archivePath, zipPath} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("remove working file", "tenant", tenant, "path", p, "err", err)
			}
		}
	}()

	password, err := generatePassword()
	if err != nil {
		return res, err
	}

	interval, attempts := d.RosterWaitInterval, d.RosterWaitAttempts
	if interval == 0 {
		interval = rosterWaitInterval
	}
	if attempts == 0 {
		attempts = rosterWaitAttempts
	}
	switch err := waitForFile(ctx, rosterPath, interval, attempts, d.Sleep); {
	case errors.Is(err, ErrWaitTimeout):
		slog.Warn("roster not found, continuing without phone", "tenant", tenant, "roster", rosterPath, "waited", time.Duration(attempts)*interval)
	case err != nil:
		return res, err
	default:
		phone, err := lookupPhoneNumber(rosterPath, recipient)
		if err != nil {
			slog.Warn("phone lookup failed", "tenant", tenant, "recipient", recipient, "err", err)
		}
		res.Phone = phone
	}
	if res.Phone == PhoneInvalid {
		slog.Warn("roster phone number is invalid, SMS skipped", "tenant", tenant, "recipient", recipient)
	}

	if err := d.Archiver.Encrypt(ctx, pdfPath, archivePath, password); err != nil {
		return res, fmt.Errorf("encrypt %s: %w", filepath.Base(pdfPath), err)
	}
	if err := d.Passwords.StorePassword(ctx, archiveName, password); err != nil {
		return res, err
	}

	if d.Backup != nil {
		key, err := d.Backup.Backup(ctx, tenant, archivePath)
		if err != nil {
			slog.Error("archive backup failed", "tenant", tenant, "archive", archiveName, "err", err)
		} else {
			res.BackupKey = key
		}
	}

	if err := d.Archiver.Wrap(archivePath, zipPath); err != nil {
		return res, fmt.Errorf("wrap %s: %w", archiveName, err)
	}

	phoneFound := phoneUsable(res.Phone)
	err = d.Mailer.Send(ctx, Email{
		To:             recipient,
		Subject:        reportEmailSubject,
		Body:           reportEmailText(phoneFound),
		AttachmentPath: zipPath,
	})
	if err != nil {
		return res, fmt.Errorf("email %s: %w", recipient, err)
	}
	slog.Info("email sent with encrypted PDF", "tenant", tenant, "recipient", recipient)

	if phoneFound {
		if err := d.SMS.SendPassword(ctx, res.Phone, password); err != nil {
			return res, fmt.Errorf("sms %s: %w", res.Phone, err)
		}
		res.SMSSent = true
		smsSentTotal.WithLabelValues(tenant).Inc()
		slog.Info("sms sent", "tenant", tenant, "phone", res.Phone)
	}
	return res, nil
}

// ProcessBatch runs ProcessReport for every file. A failing file is reported to
// the ops address and does not stop the rest.
func (d *Dispatcher) ProcessBatch(ctx context.Context, tenant string, files []string, rosterPath string) []FileResult {
	results := make([]FileResult, 0, len(files))
	for _, path := range files {
		res, err := d.safeProcess(ctx, tenant, path, rosterPath)
		results = append(results, FileResult{Path: path, Result: res, Err: err})
		if err == nil {
			studiesDispatchedTotal.WithLabelValues(tenant).Inc()
			continue
		}
		dispatchFailuresTotal.WithLabelValues(tenant).Inc()
		slog.Error("failed processing report", "tenant", tenant, "file", filepath.Base(path), "err", err)
		d.NotifyFailure(ctx, tenant, filepath.Base(path), err)
	}
	return results
}

func (d *Dispatcher) safeProcess(ctx context.Context, tenant, path, rosterPath string) (res DispatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing report", "tenant", tenant, "file", path, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.ProcessReport(ctx, tenant, path, rosterPath)
}

// NotifyFailure emails the ops address about one failed item.
func (d *Dispatcher) NotifyFailure(ctx context.Context, tenant, item string, cause error) {
	if d.OpsEmail == "" {
		return
	}
	err := d.Mailer.Send(ctx, Email{
		To:      d.OpsEmail,
		Subject: failureEmailSubjectBase + tenant,
		Body:    fmt.Sprintf("Error processing %s:\n%v", item, cause),
	})
	if err != nil {
		slog.Error("failure notification not sent", "tenant", tenant, "err", err)
	}
}
