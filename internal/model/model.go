// Package model defines domain entities used by the ledger, projector, and services.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Role is the on-chain role enum. It is set at creation and never changes.
type Role uint8

const (
	RolePatient Role = 0
	RoleDoctor  Role = 1
	RoleAdmin   Role = 2
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r <= RoleAdmin }

// Name returns a human label for r.
func (r Role) Name() string {
	switch r {
	case RolePatient:
		return "Patient"
	case RoleDoctor:
		return "Doctor"
	case RoleAdmin:
		return "Admin"
	}
	return "Unknown"
}

// MarshalText encodes the role as its enum digit ("0", "1", "2").
func (r Role) MarshalText() ([]byte, error) {
	return []byte(strconv.Itoa(int(r))), nil
}

// UnmarshalText accepts the enum digit or the role label.
func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseRole parses "0".."2" or a case-insensitive role label.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "patient":
		return RolePatient, nil
	case "1", "doctor":
		return RoleDoctor, nil
	case "2", "admin":
		return RoleAdmin, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// UserRecord is the ledger's current record for an address, as returned by users(address).
type UserRecord struct {
	Address   common.Address
	Name      string
	Role      Role
	IsActive  bool
	ContentID string // "" means no off-chain profile
}

// EventKind names a contract event.
type EventKind string

const (
	EventUserAdded       EventKind = "UserAdded"
	EventUserDeleted     EventKind = "UserDeleted"
	EventAccessRequested EventKind = "AccessRequested"
	EventAccessGranted   EventKind = "AccessGranted"
	EventAccessRevoked   EventKind = "AccessRevoked"
	EventDocumentAdded   EventKind = "DocumentAdded"
)

// EventKinds lists every event kind the contract emits.
var EventKinds = []EventKind{
	EventUserAdded, EventUserDeleted,
	EventAccessRequested, EventAccessGranted, EventAccessRevoked,
	EventDocumentAdded,
}

// Event is the minimal projection of a ledger log entry.
type Event struct {
	Kind         EventKind
	Address      common.Address // user for user events, patient for access/document events
	Counterparty common.Address // doctor for access events, zero otherwise
	BlockNumber  uint64
	TxIndex      uint
	LogIndex     uint
	TxHash       common.Hash
}

// Before orders events by block, then transaction index, then log index.
func (e Event) Before(o Event) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	if e.TxIndex != o.TxIndex {
		return e.TxIndex < o.TxIndex
	}
	return e.LogIndex < o.LogIndex
}

// LiveState is the logical activity state of an address derived from the event log.
type LiveState uint8

const (
	Deleted LiveState = iota
	Live
)

func (s LiveState) String() string {
	if s == Live {
		return "live"
	}
	return "deleted"
}

// Receipt reports a mined transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Viewer identifies who a listing is produced for.
type Viewer struct {
	Address common.Address
	Role    Role
}

// FileUpload is a document submitted for storage.
type FileUpload struct {
	Name        string
	ContentType string
	Data        []byte
}
