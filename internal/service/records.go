package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/medledger/internal/access"
	"github.com/and161185/medledger/internal/contentstore"
	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/ledger"
	"github.com/and161185/medledger/internal/model"
	"github.com/and161185/medledger/internal/validate"
)

// RecordService manages documents and comments stored in a patient's profile blob.
//
// Every mutation is a read-modify-write of the whole blob followed by a ledger write of the
// new content id. Two writers racing on the same patient both succeed and the later ledger
// write wins; the earlier change is lost.
type RecordService interface {
	// Upload stores a PDF and appends its metadata to the patient's documents.
	Upload(ctx context.Context, actor, patient common.Address, f model.FileUpload) (model.Document, model.Receipt, error)
	// AddDocument appends metadata of an already stored file.
	AddDocument(ctx context.Context, actor, patient common.Address, doc model.Document) (model.Receipt, error)
	// AddComment appends a comment to the document identified by its content id.
	AddComment(ctx context.Context, actor, patient common.Address, docID, text string) (model.Comment, model.Receipt, error)
	// Download fetches a document listed in patient's profile, provided viewer may see that
	// profile in full.
	Download(ctx context.Context, viewer model.Viewer, patient common.Address, cid string) ([]byte, error)
}

type RecordServiceImpl struct {
	ledger        ledger.Ledger
	store         contentstore.Store
	gate          *access.Gate
	conflictCheck bool
	now           func() time.Time
	log           *zap.Logger
}

var _ RecordService = (*RecordServiceImpl)(nil)

// RecordOption configures a RecordServiceImpl.
type RecordOption func(*RecordServiceImpl)

// WithConflictCheck re-reads the record just before the ledger write and fails with
// errs.ErrVersionConflict if its content id moved since the read. The window between that
// check and the write remains.
func WithConflictCheck() RecordOption {
	return func(s *RecordServiceImpl) { s.conflictCheck = true }
}

// WithClock overrides the time source used for upload and comment timestamps.
func WithClock(now func() time.Time) RecordOption {
	return func(s *RecordServiceImpl) { s.now = now }
}

// NewRecordService constructs the records service.
func NewRecordService(l ledger.Ledger, store contentstore.Store, log *zap.Logger, opts ...RecordOption) *RecordServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	s := &RecordServiceImpl{ledger: l, store: store, gate: access.NewGate(l), now: time.Now, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upload validates f before any network call, stores it, then records its metadata.
func (s *RecordServiceImpl) Upload(ctx context.Context, actor, patient common.Address, f model.FileUpload) (model.Document, model.Receipt, error) {
	if err := validate.Upload(f); err != nil {
		return model.Document{}, model.Receipt{}, err
	}
	cid, err := s.store.Put(ctx, f.Data)
	if err != nil {
		return model.Document{}, model.Receipt{}, fmt.Errorf("store document: %w", err)
	}
	doc := model.Document{
		Name:       f.Name,
		ContentID:  cid,
		Type:       validate.PDFContentType,
		Size:       int64(len(f.Data)),
		UploadDate: s.now().UTC().Format(time.RFC3339),
	}
	r, err := s.AddDocument(ctx, actor, patient, doc)
	if err != nil {
		return model.Document{}, model.Receipt{}, err
	}
	return doc, r, nil
}

// AddDocument appends doc to the patient's blob.
func (s *RecordServiceImpl) AddDocument(ctx context.Context, actor, patient common.Address, doc model.Document) (model.Receipt, error) {
	if doc.ContentID == "" || doc.Name == "" {
		return model.Receipt{}, fmt.Errorf("document needs a name and content id: %w", errs.ErrPrecondition)
	}
	return s.modify(ctx, actor, patient, func(b *model.ProfileBlob) (string, error) {
		b.AddDocument(doc)
		return doc.Name, nil
	})
}

// AddComment appends a comment to docID's list. The document must be in the patient's blob.
func (s *RecordServiceImpl) AddComment(ctx context.Context, actor, patient common.Address, docID, text string) (model.Comment, model.Receipt, error) {
	if text == "" {
		return model.Comment{}, model.Receipt{}, fmt.Errorf("empty comment: %w", errs.ErrPrecondition)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Comment{}, model.Receipt{}, err
	}
	c := model.Comment{
		ID:        id.String(),
		Author:    actor.Hex(),
		Text:      text,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	r, err := s.modify(ctx, actor, patient, func(b *model.ProfileBlob) (string, error) {
		for _, d := range b.Documents {
			if d.ContentID == docID {
				b.AddComment(docID, c)
				return d.Name, nil
			}
		}
		return "", fmt.Errorf("document %s: %w", docID, errs.ErrNotFound)
	})
	if err != nil {
		return model.Comment{}, model.Receipt{}, err
	}
	return c, r, nil
}

// Download serves cid only when it is one of patient's documents and viewer has full
// visibility of patient. The profile blob itself is never served here.
func (s *RecordServiceImpl) Download(ctx context.Context, viewer model.Viewer, patient common.Address, cid string) ([]byte, error) {
	if cid == "" {
		return nil, fmt.Errorf("empty content id: %w", errs.ErrNotFound)
	}
	rec, err := s.ledger.User(ctx, patient)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, fmt.Errorf("user %s: %w", patient.Hex(), errs.ErrNotFound)
	}
	rec.Address = patient
	v, err := s.gate.Decide(ctx, viewer, rec)
	if err != nil {
		return nil, err
	}
	if v != access.Full {
		return nil, fmt.Errorf("documents of %s are not visible to %s: %w", patient.Hex(), viewer.Address.Hex(), errs.ErrUnauthorized)
	}
	if rec.ContentID == "" || cid == rec.ContentID {
		return nil, fmt.Errorf("document %s: %w", cid, errs.ErrNotFound)
	}
	data, err := s.store.Get(ctx, rec.ContentID)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", rec.ContentID, err)
	}
	for _, d := range model.DecodeProfileBlob(data).Documents {
		if d.ContentID == cid {
			return s.store.Get(ctx, cid)
		}
	}
	return nil, fmt.Errorf("document %s of %s: %w", cid, patient.Hex(), errs.ErrNotFound)
}

// modify runs one read-modify-write cycle on patient's blob. mutate returns the document name
// passed to addDocument, which is used when a doctor acts on a patient; every other actor
// writes back through updateUser.
func (s *RecordServiceImpl) modify(
	ctx context.Context, actor, patient common.Address,
	mutate func(*model.ProfileBlob) (string, error),
) (model.Receipt, error) {
	rec, err := s.ledger.User(ctx, patient)
	if err != nil {
		return model.Receipt{}, err
	}
	if !rec.IsActive {
		return model.Receipt{}, fmt.Errorf("patient %s is not active: %w", patient.Hex(), errs.ErrPrecondition)
	}

	var blob model.ProfileBlob
	if rec.ContentID != "" {
		// a blob that cannot be read must not be replaced by an empty one
		data, err := s.store.Get(ctx, rec.ContentID)
		if err != nil {
			return model.Receipt{}, fmt.Errorf("read profile %s: %w", rec.ContentID, err)
		}
		blob = model.DecodeProfileBlob(data)
	}
	name, err := mutate(&blob)
	if err != nil {
		return model.Receipt{}, err
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return model.Receipt{}, err
	}
	cid, err := s.store.Put(ctx, data)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("store profile: %w", err)
	}

	if s.conflictCheck {
		cur, err := s.ledger.User(ctx, patient)
		if err != nil {
			return model.Receipt{}, err
		}
		if cur.ContentID != rec.ContentID {
			return model.Receipt{}, fmt.Errorf("profile of %s moved from %q to %q: %w",
				patient.Hex(), rec.ContentID, cur.ContentID, errs.ErrVersionConflict)
		}
	}

	viaDocument := false
	if actor != patient {
		role, err := s.ledger.UserRole(ctx, actor)
		if err != nil {
			return model.Receipt{}, err
		}
		viaDocument = role == model.RoleDoctor
	}

	var r model.Receipt
	if viaDocument {
		r, err = s.ledger.AddDocument(ctx, patient, name, cid)
	} else {
		r, err = s.ledger.UpdateUser(ctx, patient, rec.Name, cid)
	}
	if err != nil {
		return model.Receipt{}, err
	}
	s.log.Info("profile rewritten",
		zap.String("patient", patient.Hex()),
		zap.String("actor", actor.Hex()),
		zap.String("from", rec.ContentID),
		zap.String("to", cid),
	)
	return r, nil
}
