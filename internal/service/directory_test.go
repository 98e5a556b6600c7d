package service

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/medledger/internal/contentstore"
	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/ledger/ledgertest"
	"github.com/and161185/medledger/internal/model"
)

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	doctor  = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	patient = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	aaa     = common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	bbb     = common.HexToAddress("0x0000000000000000000000000000000000000bbb")
	ccc     = common.HexToAddress("0x0000000000000000000000000000000000000ccc")
)

type countingStore struct {
	*contentstore.Memory
	gets int
}

func (s *countingStore) Get(ctx context.Context, cid string) ([]byte, error) {
	s.gets++
	return s.Memory.Get(ctx, cid)
}

func newDirectory(t *testing.T, l *ledgertest.Ledger, store contentstore.Store) *DirectoryServiceImpl {
	t.Helper()
	return NewDirectoryService(DirectoryConfig{
		Ledger:       l,
		Store:        store,
		DefaultAdmin: admin,
		Width:        1,
		Logger:       zaptest.NewLogger(t),
	})
}

func addresses(ps []model.Profile) []common.Address {
	out := make([]common.Address, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Address)
	}
	return out
}

func TestDirectory_List_ProjectsEventLog(t *testing.T) {
	ctx := context.Background()
	l := ledgertest.New(admin)

	// re-added after a delete
	l.AppendEvent(model.Event{Kind: model.EventUserAdded, Address: aaa, BlockNumber: 10})
	l.AppendEvent(model.Event{Kind: model.EventUserDeleted, Address: aaa, BlockNumber: 20})
	l.AppendEvent(model.Event{Kind: model.EventUserAdded, Address: aaa, BlockNumber: 30})
	l.SetRecord(model.UserRecord{Address: aaa, Name: "A", Role: model.RolePatient, IsActive: true})
	// deleted for good
	l.AppendEvent(model.Event{Kind: model.EventUserAdded, Address: bbb, BlockNumber: 11})
	l.AppendEvent(model.Event{Kind: model.EventUserDeleted, Address: bbb, BlockNumber: 12})
	l.SetRecord(model.UserRecord{Address: bbb, Name: "B", Role: model.RolePatient})
	// live by events but the record says inactive
	l.AppendEvent(model.Event{Kind: model.EventUserAdded, Address: ccc, BlockNumber: 13})
	l.SetRecord(model.UserRecord{Address: ccc, Name: "C", Role: model.RoleDoctor})

	d := newDirectory(t, l, contentstore.NewMemory())
	viewer := model.Viewer{Address: admin, Role: model.RoleAdmin}

	got, err := d.List(ctx, viewer, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []common.Address{admin, aaa}
	if a := addresses(got); len(a) != 2 || a[0] != want[0] || a[1] != want[1] {
		t.Fatalf("live users: want %v, got %v", want, a)
	}

	role := model.RolePatient
	got, err = d.List(ctx, viewer, &role)
	if err != nil {
		t.Fatalf("List patients: %v", err)
	}
	if len(got) != 1 || got[0].Address != aaa || got[0].Name != "A" {
		t.Fatalf("patients: %+v", got)
	}
}

func TestDirectory_List_OmitsFailedRecord(t *testing.T) {
	ctx := context.Background()
	l := ledgertest.New(admin)
	d := newDirectory(t, l, contentstore.NewMemory())

	for _, a := range []common.Address{aaa, bbb} {
		if _, err := d.AddUser(ctx, admin, NewUser{Address: a, Name: "x", Role: model.RolePatient}); err != nil {
			t.Fatalf("AddUser: %v", err)
		}
	}
	l.FailUser(aaa, errs.ErrUnavailable)

	got, err := d.List(ctx, model.Viewer{Address: admin, Role: model.RoleAdmin}, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, p := range got {
		if p.Address == aaa {
			t.Fatalf("failed record should be omitted")
		}
	}
	if len(got) != 2 {
		t.Fatalf("want admin and bbb, got %v", addresses(got))
	}
}

func TestDirectory_AccessFlow(t *testing.T) {
	ctx := context.Background()
	l := ledgertest.New(admin)
	store := &countingStore{Memory: contentstore.NewMemory()}
	d := newDirectory(t, l, store)

	if _, err := d.AddUser(ctx, admin, NewUser{Address: doctor, Name: "Dr", Role: model.RoleDoctor}); err != nil {
		t.Fatalf("add doctor: %v", err)
	}
	_, err := d.AddUser(ctx, admin, NewUser{
		Address: patient, Name: "Pat", Role: model.RolePatient,
		Profile: model.ProfileBlob{Email: "pat@example.org", BloodGroup: "A+"},
	})
	if err != nil {
		t.Fatalf("add patient: %v", err)
	}

	asDoctor := newDirectory(t, l.As(doctor), store)
	viewer := model.Viewer{Address: doctor, Role: model.RoleDoctor}
	role := model.RolePatient

	store.gets = 0
	got, err := asDoctor.List(ctx, viewer, &role)
	if err != nil || len(got) != 1 {
		t.Fatalf("List: %v %+v", err, got)
	}
	if !got[0].Redacted || got[0].Email != model.Masked || got[0].Name != "Pat" {
		t.Fatalf("want redacted profile, got %+v", got[0])
	}
	if store.gets != 0 {
		t.Fatalf("redacted profile must not fetch the blob, got %d gets", store.gets)
	}

	if _, err := asDoctor.RequestAccess(ctx, patient); err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if ok, _ := asDoctor.HasAccess(ctx, patient, doctor); ok {
		t.Fatalf("a request alone grants nothing")
	}
	l.Grant(patient, doctor)

	got, err = asDoctor.List(ctx, viewer, &role)
	if err != nil || len(got) != 1 {
		t.Fatalf("List after grant: %v %+v", err, got)
	}
	if got[0].Redacted || got[0].Email != "pat@example.org" || got[0].BloodGroup != "A+" {
		t.Fatalf("want full profile after grant, got %+v", got[0])
	}

	l.Revoke(patient, doctor)
	p, err := asDoctor.Get(ctx, viewer, patient)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !p.Redacted {
		t.Fatalf("revocation must apply on the next read")
	}
}

func TestDirectory_AddUser_AdminOnlyByDefaultAdmin(t *testing.T) {
	ctx := context.Background()
	l := ledgertest.New(admin)
	other := common.HexToAddress("0xad2")
	d := newDirectory(t, l.As(other), contentstore.NewMemory())

	_, err := d.AddUser(ctx, other, NewUser{Address: aaa, Name: "Boss", Role: model.RoleAdmin})
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	if n := l.Calls("addUser"); n != 0 {
		t.Fatalf("rejected locally, yet addUser called %d times", n)
	}
	if f := errs.Describe(err); f.Kind != errs.KindAuthorization {
		t.Fatalf("kind: %s", f.Kind)
	}
}

func TestDirectory_AddUser_InvalidProfile(t *testing.T) {
	ctx := context.Background()
	l := ledgertest.New(admin)
	store := contentstore.NewMemory()
	d := newDirectory(t, l, store)

	blob := model.ProfileBlob{Documents: []model.Document{{Name: "x.pdf"}}}
	_, err := d.AddUser(ctx, admin, NewUser{Address: aaa, Name: "A", Role: model.RolePatient, Profile: blob})
	if !errors.Is(err, errs.ErrInvalidProfile) {
		t.Fatalf("want ErrInvalidProfile, got %v", err)
	}
	if store.Len() != 0 || l.Calls("addUser") != 0 {
		t.Fatalf("nothing should be written")
	}
}

func TestDirectory_DeleteUser_Preconditions(t *testing.T) {
	ctx := context.Background()
	l := ledgertest.New(admin)
	d := newDirectory(t, l, contentstore.NewMemory())

	if _, err := d.DeleteUser(ctx, admin); !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("default admin: want ErrPrecondition, got %v", err)
	}
	if _, err := d.DeleteUser(ctx, aaa); !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("unknown user: want ErrPrecondition, got %v", err)
	}
	if n := l.Calls("deleteUser"); n != 0 {
		t.Fatalf("deleteUser called %d times", n)
	}

	if _, err := d.AddUser(ctx, admin, NewUser{Address: aaa, Name: "A", Role: model.RolePatient}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if _, err := d.DeleteUser(ctx, aaa); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := d.DeleteUser(ctx, aaa); !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("already deleted: want ErrPrecondition, got %v", err)
	}

	got, err := d.List(ctx, model.Viewer{Address: admin, Role: model.RoleAdmin}, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Address != admin {
		t.Fatalf("deleted user still listed: %v", addresses(got))
	}

	// re-adding resurrects the address
	if _, err := d.AddUser(ctx, admin, NewUser{Address: aaa, Name: "A2", Role: model.RolePatient}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	got, _ = d.List(ctx, model.Viewer{Address: admin, Role: model.RoleAdmin}, nil)
	if len(got) != 2 {
		t.Fatalf("re-added user missing: %v", addresses(got))
	}
}

func TestDirectory_UpdateUser(t *testing.T) {
	ctx := context.Background()
	l := ledgertest.New(admin)
	d := newDirectory(t, l, contentstore.NewMemory())

	if _, err := d.UpdateUser(ctx, aaa, "A", model.ProfileBlob{}); !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("unknown user: want ErrPrecondition, got %v", err)
	}
	if _, err := d.AddUser(ctx, admin, NewUser{Address: aaa, Name: "A", Role: model.RoleDoctor}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	before, _ := l.User(ctx, aaa)
	if _, err := d.UpdateUser(ctx, aaa, "", model.ProfileBlob{Specialization: "cardiology"}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	after, _ := l.User(ctx, aaa)
	if after.ContentID == before.ContentID || after.Name != "A" {
		t.Fatalf("want new content id and kept name, got %+v", after)
	}
	p, err := d.Get(ctx, model.Viewer{Address: aaa, Role: model.RoleDoctor}, aaa)
	if err != nil || p.Specialization != "cardiology" {
		t.Fatalf("Get: %v %+v", err, p)
	}
}

func TestDirectory_ListUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := newDirectory(t, ledgertest.New(admin), contentstore.NewMemory())
	if _, err := d.List(ctx, model.Viewer{}, nil); err == nil {
		t.Fatalf("want error from a dead source")
	}
}
