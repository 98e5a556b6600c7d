package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/medledger/internal/access"
	"github.com/and161185/medledger/internal/contentstore"
	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/ledger"
	"github.com/and161185/medledger/internal/metrics"
	"github.com/and161185/medledger/internal/model"
	"github.com/and161185/medledger/internal/profile"
	"github.com/and161185/medledger/internal/projector"
	"github.com/and161185/medledger/internal/validate"
)

// EventSource supplies the add and delete logs a listing is projected from.
type EventSource interface {
	UserEvents(ctx context.Context) (added, deleted []model.Event, err error)
}

// LedgerSource scans the ledger from genesis to head on every call.
type LedgerSource struct{ Ledger ledger.Reader }

// UserEvents implements EventSource.
func (s LedgerSource) UserEvents(ctx context.Context) (added, deleted []model.Event, err error) {
	head, err := s.Ledger.Head(ctx)
	if err != nil {
		return nil, nil, err
	}
	if added, err = s.Ledger.Events(ctx, model.EventUserAdded, 0, head); err != nil {
		return nil, nil, err
	}
	if deleted, err = s.Ledger.Events(ctx, model.EventUserDeleted, 0, head); err != nil {
		return nil, nil, err
	}
	return added, deleted, nil
}

// NewUser is the input of AddUser.
type NewUser struct {
	Address common.Address
	Name    string
	Role    model.Role
	Profile model.ProfileBlob
}

// DirectoryService lists users and manages their on-chain records.
type DirectoryService interface {
	// List returns live, active users visible to viewer, optionally filtered by role, sorted by address.
	List(ctx context.Context, viewer model.Viewer, role *model.Role) ([]model.Profile, error)
	// Get returns a single active user.
	Get(ctx context.Context, viewer model.Viewer, addr common.Address) (model.Profile, error)
	AddUser(ctx context.Context, actor common.Address, u NewUser) (model.Receipt, error)
	UpdateUser(ctx context.Context, addr common.Address, name string, blob model.ProfileBlob) (model.Receipt, error)
	DeleteUser(ctx context.Context, addr common.Address) (model.Receipt, error)
	RequestAccess(ctx context.Context, patient common.Address) (model.Receipt, error)
	HasAccess(ctx context.Context, patient, doctor common.Address) (bool, error)
	Role(ctx context.Context, addr common.Address) (model.Role, error)
}

type DirectoryServiceImpl struct {
	ledger       ledger.Ledger
	source       EventSource
	store        contentstore.Store
	merger       *profile.Merger
	gate         *access.Gate
	defaultAdmin common.Address
	width        int
	log          *zap.Logger
}

var _ DirectoryService = (*DirectoryServiceImpl)(nil)

// DirectoryConfig wires a DirectoryServiceImpl.
type DirectoryConfig struct {
	Ledger ledger.Ledger
	// Source defaults to a full ledger scan.
	Source       EventSource
	Store        contentstore.Store
	DefaultAdmin common.Address
	// Width bounds concurrent record and blob fetches.
	Width  int
	Logger *zap.Logger
}

// NewDirectoryService constructs the directory service.
func NewDirectoryService(cfg DirectoryConfig) *DirectoryServiceImpl {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	src := cfg.Source
	if src == nil {
		src = LedgerSource{Ledger: cfg.Ledger}
	}
	width := cfg.Width
	if width <= 0 {
		width = profile.DefaultWidth
	}
	return &DirectoryServiceImpl{
		ledger:       cfg.Ledger,
		source:       src,
		store:        cfg.Store,
		merger:       profile.NewMerger(cfg.Store, width, log.Named("merger")),
		gate:         access.NewGate(cfg.Ledger),
		defaultAdmin: cfg.DefaultAdmin,
		width:        width,
		log:          log,
	}
}

// List projects the event log, reads each live address's current record and merges profiles.
func (s *DirectoryServiceImpl) List(ctx context.Context, viewer model.Viewer, role *model.Role) ([]model.Profile, error) {
	start := time.Now()
	defer func() { metrics.ListingDuration.Observe(time.Since(start).Seconds()) }()

	added, deleted, err := s.source.UserEvents(ctx)
	if err != nil {
		return nil, err
	}
	live := projector.LiveAddresses(projector.Project(added, deleted))
	metrics.Projections.Inc()

	records := s.records(ctx, live)
	items := make([]profile.Item, 0, len(records))
	for _, rec := range records {
		// the live set comes from events; the record is the authority on activity
		if !rec.IsActive {
			continue
		}
		if role != nil && rec.Role != *role {
			continue
		}
		items = append(items, profile.Item{Record: rec, Redact: s.redact(ctx, viewer, rec)})
	}
	return s.merger.MergeAll(ctx, items), nil
}

// records reads users(addr) for every address. A failed read omits that address.
func (s *DirectoryServiceImpl) records(ctx context.Context, addrs []common.Address) []model.UserRecord {
	out := make([]model.UserRecord, len(addrs))
	ok := make([]bool, len(addrs))
	var g errgroup.Group
	g.SetLimit(s.width)
	for i, a := range addrs {
		g.Go(func() error {
			rec, err := s.ledger.User(ctx, a)
			if err != nil {
				metrics.RecordFetchFailures.Inc()
				s.log.Warn("user record fetch failed", zap.String("address", a.Hex()), zap.Error(err))
				return nil
			}
			rec.Address = a
			out[i], ok[i] = rec, true
			return nil
		})
	}
	_ = g.Wait()
	recs := out[:0]
	for i := range out {
		if ok[i] {
			recs = append(recs, out[i])
		}
	}
	return recs
}

// redact reports whether viewer gets a redacted view. A failed grant lookup fails closed.
func (s *DirectoryServiceImpl) redact(ctx context.Context, viewer model.Viewer, rec model.UserRecord) bool {
	v, err := s.gate.Decide(ctx, viewer, rec)
	if err != nil {
		s.log.Warn("access check failed, redacting",
			zap.String("patient", rec.Address.Hex()),
			zap.String("viewer", viewer.Address.Hex()),
			zap.Error(err),
		)
		return true
	}
	return v != access.Full
}

// Get returns the profile of an active user.
func (s *DirectoryServiceImpl) Get(ctx context.Context, viewer model.Viewer, addr common.Address) (model.Profile, error) {
	rec, err := s.ledger.User(ctx, addr)
	if err != nil {
		return model.Profile{}, err
	}
	if !rec.IsActive {
		return model.Profile{}, fmt.Errorf("user %s: %w", addr.Hex(), errs.ErrNotFound)
	}
	rec.Address = addr
	if s.redact(ctx, viewer, rec) {
		return profile.Redact(model.ProfileFromRecord(rec)), nil
	}
	return s.merger.Merge(ctx, rec), nil
}

// putProfile validates and stores blob, returning its content id.
func (s *DirectoryServiceImpl) putProfile(ctx context.Context, blob model.ProfileBlob) (string, error) {
	data, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	if err := validate.ProfileBlob(data); err != nil {
		return "", err
	}
	return s.store.Put(ctx, data)
}

// AddUser stores the profile blob and registers the user. Only the default admin may add admins.
func (s *DirectoryServiceImpl) AddUser(ctx context.Context, actor common.Address, u NewUser) (model.Receipt, error) {
	if !u.Role.Valid() {
		return model.Receipt{}, fmt.Errorf("role %d: %w", u.Role, errs.ErrPrecondition)
	}
	if u.Name == "" {
		return model.Receipt{}, fmt.Errorf("empty name: %w", errs.ErrPrecondition)
	}
	if u.Address == (common.Address{}) {
		return model.Receipt{}, fmt.Errorf("zero address: %w", errs.ErrPrecondition)
	}
	if u.Role == model.RoleAdmin && actor != s.defaultAdmin {
		return model.Receipt{}, fmt.Errorf("only the default admin can add admins: %w", errs.ErrUnauthorized)
	}
	cid, err := s.putProfile(ctx, u.Profile)
	if err != nil {
		return model.Receipt{}, err
	}
	r, err := s.ledger.AddUser(ctx, u.Address, u.Name, u.Role, cid)
	if err != nil {
		return model.Receipt{}, err
	}
	s.log.Info("user added", zap.String("address", u.Address.Hex()), zap.String("role", u.Role.Name()))
	return r, nil
}

// UpdateUser writes a new blob and points the record at it.
func (s *DirectoryServiceImpl) UpdateUser(ctx context.Context, addr common.Address, name string, blob model.ProfileBlob) (model.Receipt, error) {
	rec, err := s.ledger.User(ctx, addr)
	if err != nil {
		return model.Receipt{}, err
	}
	if !rec.IsActive {
		return model.Receipt{}, fmt.Errorf("user %s is not active: %w", addr.Hex(), errs.ErrPrecondition)
	}
	if name == "" {
		name = rec.Name
	}
	cid, err := s.putProfile(ctx, blob)
	if err != nil {
		return model.Receipt{}, err
	}
	return s.ledger.UpdateUser(ctx, addr, name, cid)
}

// DeleteUser deactivates addr. The default admin and inactive users are rejected before any write.
func (s *DirectoryServiceImpl) DeleteUser(ctx context.Context, addr common.Address) (model.Receipt, error) {
	if addr == s.defaultAdmin {
		return model.Receipt{}, fmt.Errorf("cannot delete the default admin: %w", errs.ErrPrecondition)
	}
	rec, err := s.ledger.User(ctx, addr)
	if err != nil {
		return model.Receipt{}, err
	}
	if !rec.IsActive {
		return model.Receipt{}, fmt.Errorf("user %s does not exist or is already deleted: %w", addr.Hex(), errs.ErrPrecondition)
	}
	r, err := s.ledger.DeleteUser(ctx, addr)
	if err != nil {
		return model.Receipt{}, err
	}
	s.log.Info("user deleted", zap.String("address", addr.Hex()))
	return r, nil
}

// RequestAccess asks patient for access on behalf of the signing doctor.
func (s *DirectoryServiceImpl) RequestAccess(ctx context.Context, patient common.Address) (model.Receipt, error) {
	rec, err := s.ledger.User(ctx, patient)
	if err != nil {
		return model.Receipt{}, err
	}
	if !rec.IsActive || rec.Role != model.RolePatient {
		return model.Receipt{}, fmt.Errorf("%s is not an active patient: %w", patient.Hex(), errs.ErrPrecondition)
	}
	return s.ledger.RequestAccess(ctx, patient)
}

// HasAccess reads the current grant.
func (s *DirectoryServiceImpl) HasAccess(ctx context.Context, patient, doctor common.Address) (bool, error) {
	return s.gate.HasAccess(ctx, patient, doctor)
}

// Role returns the on-chain role of addr.
func (s *DirectoryServiceImpl) Role(ctx context.Context, addr common.Address) (model.Role, error) {
	return s.ledger.UserRole(ctx, addr)
}

// ViewerFor resolves addr's role for listing purposes. Unknown or inactive addresses are
// treated as patients, which only ever see themselves unredacted.
func ViewerFor(ctx context.Context, l ledger.Reader, addr common.Address) (model.Viewer, error) {
	rec, err := l.User(ctx, addr)
	if err != nil {
		return model.Viewer{}, err
	}
	if !rec.IsActive {
		return model.Viewer{Address: addr, Role: model.RolePatient}, nil
	}
	return model.Viewer{Address: addr, Role: rec.Role}, nil
}
