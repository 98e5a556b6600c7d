package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/and161185/medledger/internal/config"
	"github.com/and161185/medledger/internal/contentstore"
	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/ledger/ledgertest"
	"github.com/and161185/medledger/internal/model"
	"github.com/and161185/medledger/internal/service"
)

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	doctor  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	patient = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

// world is a shared in-memory ledger and content store that every command invocation opens.
type world struct {
	ledger *ledgertest.Ledger
	store  *contentstore.Memory
}

func newWorld() *world {
	return &world{ledger: ledgertest.New(admin), store: contentstore.NewMemory()}
}

func (w *world) opener(as common.Address) opener {
	return func(_ context.Context, _ config.Config, log *zap.Logger) (*app, error) {
		l := w.ledger.As(as)
		return &app{
			account: as,
			network: "1337",
			ledger:  l,
			dir: service.NewDirectoryService(service.DirectoryConfig{
				Ledger: l, Store: w.store, DefaultAdmin: admin, Logger: log,
			}),
			records: service.NewRecordService(l, w.store, log, service.WithConflictCheck()),
		}, nil
	}
}

// syncBuffer is written by the watch refresher while the test reads it.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func (w *world) exec(ctx context.Context, as common.Address, out *syncBuffer, args ...string) error {
	c := &cli{open: w.opener(as)}
	root := newRootCmd(c)
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	c.shutdown()
	return err
}

func (w *world) run(t *testing.T, as common.Address, args ...string) string {
	t.Helper()
	var out syncBuffer
	if err := w.exec(context.Background(), as, &out, args...); err != nil {
		t.Fatalf("mlctl %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func (w *world) fail(t *testing.T, as common.Address, args ...string) error {
	t.Helper()
	var out syncBuffer
	err := w.exec(context.Background(), as, &out, args...)
	if err == nil {
		t.Fatalf("mlctl %s: expected error, got output %s", strings.Join(args, " "), out.String())
	}
	return err
}

// clinic registers one doctor and one patient.
func clinic(t *testing.T) *world {
	t.Helper()
	w := newWorld()
	w.run(t, admin, "users", "add", doctor.Hex(), "--name", "Dr House", "--role", "doctor", "--specialization", "diagnostics")
	w.run(t, admin, "users", "add", patient.Hex(), "--name", "Pat", "--role", "patient", "--email", "pat@example.org")
	return w
}

func decodeProfiles(t *testing.T, s string) []map[string]any {
	t.Helper()
	var ps []map[string]any
	if err := json.Unmarshal([]byte(s), &ps); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return ps
}

func TestVersion(t *testing.T) {
	out := newWorld().run(t, admin, "version")
	if !strings.HasPrefix(out, "mlctl dev") {
		t.Fatalf("version output: %q", out)
	}
}

func TestUsers_ListRedactsForDoctor(t *testing.T) {
	w := clinic(t)

	ps := decodeProfiles(t, w.run(t, admin, "users", "list", "--role", "patient"))
	if len(ps) != 1 || ps[0]["email"] != "pat@example.org" {
		t.Fatalf("admin listing: %+v", ps)
	}

	ps = decodeProfiles(t, w.run(t, doctor, "users", "list", "--role", "patient"))
	if len(ps) != 1 || ps[0]["email"] != model.Masked {
		t.Fatalf("doctor listing must be redacted: %+v", ps)
	}

	ps = decodeProfiles(t, w.run(t, admin, "users", "list"))
	if len(ps) != 3 {
		t.Fatalf("want admin, doctor and patient, got %d", len(ps))
	}
}

func TestUsers_AddRequiresRole(t *testing.T) {
	w := newWorld()
	err := w.fail(t, admin, "users", "add", patient.Hex(), "--name", "Pat")
	if !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("want precondition, got %v", err)
	}
	err = w.fail(t, admin, "users", "add", "not-an-address", "--name", "Pat", "--role", "patient")
	if !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("want precondition, got %v", err)
	}
}

func TestUsers_WritesNeedSigningAccount(t *testing.T) {
	w := clinic(t)
	err := w.fail(t, common.Address{}, "users", "delete", patient.Hex())
	if !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("want precondition, got %v", err)
	}
	// reads still work without a key
	w.run(t, common.Address{}, "users", "list")
}

func TestUsers_UpdateKeepsOtherFields(t *testing.T) {
	w := clinic(t)
	w.run(t, patient, "users", "update", "--phone", "555-0100")

	var p map[string]any
	if err := json.Unmarshal([]byte(w.run(t, patient, "users", "show", patient.Hex())), &p); err != nil {
		t.Fatal(err)
	}
	if p["phone"] != "555-0100" || p["email"] != "pat@example.org" || p["name"] != "Pat" {
		t.Fatalf("profile after update: %+v", p)
	}

	// a doctor without access only sees the masked profile and must not write it back
	err := w.fail(t, doctor, "users", "update", patient.Hex(), "--phone", "1")
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want unauthorized, got %v", err)
	}
}

func TestUsers_Delete(t *testing.T) {
	w := clinic(t)
	w.run(t, admin, "users", "delete", patient.Hex())
	if ps := decodeProfiles(t, w.run(t, admin, "users", "list", "--role", "patient")); len(ps) != 0 {
		t.Fatalf("deleted patient still listed: %+v", ps)
	}
	err := w.fail(t, admin, "users", "show", patient.Hex())
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestWhoami(t *testing.T) {
	w := clinic(t)
	var got map[string]any
	if err := json.Unmarshal([]byte(w.run(t, doctor, "whoami")), &got); err != nil {
		t.Fatal(err)
	}
	if got["name"] != "Dr House" || got["role"] != "1" || got["isActive"] != true || got["network"] != "1337" {
		t.Fatalf("whoami: %+v", got)
	}
}

func TestAccess_RequestAndCheck(t *testing.T) {
	w := clinic(t)
	w.run(t, doctor, "access", "request", patient.Hex())

	var got struct {
		HasAccess bool `json:"hasAccess"`
	}
	_ = json.Unmarshal([]byte(w.run(t, doctor, "access", "check", patient.Hex())), &got)
	if got.HasAccess {
		t.Fatalf("a request alone must not grant access")
	}

	w.ledger.Grant(patient, doctor)
	_ = json.Unmarshal([]byte(w.run(t, admin, "access", "check", patient.Hex(), doctor.Hex())), &got)
	if !got.HasAccess {
		t.Fatalf("grant not visible")
	}

	err := w.fail(t, doctor, "access", "request", doctor.Hex())
	if !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("requesting access to a non-patient: %v", err)
	}
}

func TestDocs_UploadDownloadComment(t *testing.T) {
	w := clinic(t)
	dir := t.TempDir()
	pdf := filepath.Join(dir, "scan.pdf")
	if err := os.WriteFile(pdf, []byte("%PDF-1.4 scan"), 0o600); err != nil {
		t.Fatal(err)
	}

	var up struct {
		Document model.Document `json:"document"`
	}
	if err := json.Unmarshal([]byte(w.run(t, patient, "docs", "upload", pdf)), &up); err != nil {
		t.Fatal(err)
	}
	if up.Document.Name != "scan.pdf" || up.Document.Type != "application/pdf" || up.Document.ContentID == "" {
		t.Fatalf("uploaded document: %+v", up.Document)
	}

	dst := filepath.Join(dir, "copy.pdf")
	w.run(t, patient, "docs", "download", patient.Hex(), up.Document.ContentID, "-o", dst)
	if b, _ := os.ReadFile(dst); string(b) != "%PDF-1.4 scan" {
		t.Fatalf("downloaded %q", b)
	}

	err := w.fail(t, doctor, "docs", "download", patient.Hex(), up.Document.ContentID)
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("download without access: %v", err)
	}
	err = w.fail(t, doctor, "docs", "comment", patient.Hex(), up.Document.ContentID, "looks", "fine")
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("comment without access: %v", err)
	}
	w.ledger.Grant(patient, doctor)
	if got := w.run(t, doctor, "docs", "download", patient.Hex(), up.Document.ContentID); got != "%PDF-1.4 scan" {
		t.Fatalf("download after grant: %q", got)
	}
	w.run(t, doctor, "docs", "comment", patient.Hex(), up.Document.ContentID, "looks", "fine")

	var p model.Profile
	if err := json.Unmarshal([]byte(w.run(t, doctor, "users", "show", patient.Hex())), &p); err != nil {
		t.Fatal(err)
	}
	cs := p.Comments[up.Document.ContentID]
	if len(p.Documents) != 1 || len(cs) != 1 || cs[0].Text != "looks fine" || cs[0].Author != doctor.Hex() {
		t.Fatalf("profile after comment: %+v", p)
	}
}

func TestDocs_UploadRejectsNonPDF(t *testing.T) {
	w := clinic(t)
	txt := filepath.Join(t.TempDir(), "notes.txt")
	_ = os.WriteFile(txt, []byte("hello"), 0o600)
	err := w.fail(t, patient, "docs", "upload", txt)
	if !errors.Is(err, errs.ErrInvalidUpload) {
		t.Fatalf("want invalid upload, got %v", err)
	}
	if w.ledger.Calls("updateUser") != 0 {
		t.Fatalf("no write expected")
	}
}

func TestReadUpload(t *testing.T) {
	t.Parallel()

	f, err := readUpload("-", strings.NewReader("from-stdin"))
	if err != nil || string(f.Data) != "from-stdin" || f.ContentType != "" {
		t.Fatalf("stdin: %+v %v", f, err)
	}

	p := filepath.Join(t.TempDir(), "Report.PDF")
	_ = os.WriteFile(p, []byte("x"), 0o600)
	f, err = readUpload(p, nil)
	if err != nil || f.Name != "Report.PDF" || f.ContentType != "application/pdf" {
		t.Fatalf("file: %+v %v", f, err)
	}

	if _, err := readUpload(filepath.Join(t.TempDir(), "missing.pdf"), nil); err == nil {
		t.Fatalf("missing file must fail")
	}
}

func TestPrintFailure(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	printFailure(&b, errs.ErrRateLimited)
	var got struct {
		Error errs.Failure `json:"error"`
	}
	if err := json.Unmarshal(b.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Error.Kind != errs.KindRateLimited || !got.Error.Retryable {
		t.Fatalf("failure: %+v", got.Error)
	}
	if !bytes.Contains(b.Bytes(), []byte("\n  ")) {
		t.Fatalf("output should be indented: %s", b.String())
	}
}

func TestWatch_RelistsOnEvents(t *testing.T) {
	w := clinic(t)
	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- w.exec(ctx, admin, &out, "watch") }()

	waitFor := func(sub string) {
		deadline := time.Now().Add(2 * time.Second)
		for !strings.Contains(out.String(), sub) {
			if time.Now().After(deadline) {
				t.Fatalf("%q never printed; output:\n%s", sub, out.String())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitFor("Dr House")
	// subscriptions are opened after the first listing
	deadline := time.Now().Add(2 * time.Second)
	for w.ledger.Subscribers() < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("watch did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	w.run(t, admin, "users", "add", second.Hex(), "--name", "Second Patient", "--role", "patient")
	waitFor("Second Patient")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
	if w.ledger.Subscribers() != 0 {
		t.Fatalf("subscriptions leaked: %d", w.ledger.Subscribers())
	}
}
