// Package access decides how much of a profile a viewer may see.
package access

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/and161185/medledger/internal/ledger"
	"github.com/and161185/medledger/internal/model"
)

// Visibility is the outcome of an access decision.
type Visibility uint8

const (
	Redacted Visibility = iota
	Full
)

func (v Visibility) String() string {
	if v == Full {
		return "full"
	}
	return "redacted"
}

// Gate evaluates visibility against the ledger's current grants. Grants are read on every
// call and never cached, so a revocation takes effect on the next listing.
type Gate struct {
	ledger ledger.Reader
}

// NewGate constructs a gate reading grants from r.
func NewGate(r ledger.Reader) *Gate { return &Gate{ledger: r} }

// Decide returns Full for admins and for the subject itself, Full for a doctor holding
// access to a patient, and Redacted otherwise. Denial is not an error.
func (g *Gate) Decide(ctx context.Context, viewer model.Viewer, subject model.UserRecord) (Visibility, error) {
	switch {
	case viewer.Role == model.RoleAdmin:
		return Full, nil
	case viewer.Address == subject.Address:
		return Full, nil
	case viewer.Role == model.RoleDoctor && subject.Role == model.RolePatient:
		ok, err := g.HasAccess(ctx, subject.Address, viewer.Address)
		if err != nil {
			return Redacted, err
		}
		if ok {
			return Full, nil
		}
	}
	return Redacted, nil
}

// HasAccess reports whether doctor currently holds access to patient.
func (g *Gate) HasAccess(ctx context.Context, patient, doctor common.Address) (bool, error) {
	return g.ledger.DoctorAccess(ctx, patient, doctor)
}
