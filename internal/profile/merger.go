// Package profile merges on-chain user records with their off-chain profile blobs.
package profile

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/medledger/internal/contentstore"
	"github.com/and161185/medledger/internal/metrics"
	"github.com/and161185/medledger/internal/model"
)

// DefaultWidth bounds concurrent blob fetches when no width is configured.
const DefaultWidth = 8

// onChainKeys are owned by the ledger record and never taken from a blob.
var onChainKeys = []string{"address", "name", "role", "isActive"}

// Merger fetches and overlays profile blobs.
type Merger struct {
	store contentstore.Store
	width int
	log   *zap.Logger
}

// NewMerger constructs a merger fetching at most width blobs at a time.
func NewMerger(store contentstore.Store, width int, log *zap.Logger) *Merger {
	if width <= 0 {
		width = DefaultWidth
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{store: store, width: width, log: log}
}

// Merge returns rec enriched with its blob. It never fails: a missing or unreadable blob
// yields the on-chain fields alone.
func (m *Merger) Merge(ctx context.Context, rec model.UserRecord) model.Profile {
	if rec.ContentID == "" {
		return model.ProfileFromRecord(rec)
	}
	data, err := m.store.Get(ctx, rec.ContentID)
	if err != nil {
		metrics.BlobFetchFailures.Inc()
		m.log.Warn("profile blob fetch failed",
			zap.String("address", rec.Address.Hex()),
			zap.String("cid", rec.ContentID),
			zap.Error(err),
		)
		return model.ProfileFromRecord(rec)
	}
	return Overlay(rec, model.DecodeProfileBlob(data))
}

// Item is one entry of a batch merge.
type Item struct {
	Record model.UserRecord
	// Redact skips the fetch and masks sensitive fields.
	Redact bool
}

// MergeAll merges items concurrently; the output is index-aligned with items.
func (m *Merger) MergeAll(ctx context.Context, items []Item) []model.Profile {
	out := make([]model.Profile, len(items))
	var g errgroup.Group
	g.SetLimit(m.width)
	for i, it := range items {
		g.Go(func() error {
			if it.Redact {
				out[i] = Redact(model.ProfileFromRecord(it.Record))
				return nil
			}
			out[i] = m.Merge(ctx, it.Record)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Overlay applies blob to the on-chain record. Record fields always win.
func Overlay(rec model.UserRecord, blob model.ProfileBlob) model.Profile {
	p := model.ProfileFromRecord(rec)
	p.Email = blob.Email
	p.Phone = blob.Phone
	p.DateOfBirth = blob.DateOfBirth
	p.BloodGroup = blob.BloodGroup
	p.Allergies = blob.Allergies
	p.Specialization = blob.Specialization
	p.LicenseNumber = blob.LicenseNumber
	p.HospitalAffiliation = blob.HospitalAffiliation
	if blob.Documents != nil {
		p.Documents = blob.Documents
	}
	p.Comments = blob.Comments
	if len(blob.Extra) > 0 {
		p.Extra = make(map[string]json.RawMessage, len(blob.Extra))
		for k, v := range blob.Extra {
			p.Extra[k] = v
		}
		for _, k := range onChainKeys {
			delete(p.Extra, k)
		}
	}
	return p
}

// Redact masks sensitive fields and drops documents and the blob's content id. Name, address
// and role stay visible.
func Redact(p model.Profile) model.Profile {
	p.ContentID = ""
	p.Email = model.Masked
	p.Phone = model.Masked
	p.BloodGroup = model.Masked
	p.DateOfBirth = model.Masked
	p.Allergies = model.Masked
	p.Documents = []model.Document{}
	p.Comments = nil
	p.Extra = nil
	p.Redacted = true
	return p
}
