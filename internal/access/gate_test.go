package access

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/and161185/medledger/internal/ledger/ledgertest"
	"github.com/and161185/medledger/internal/model"
)

var (
	admin   = common.HexToAddress("0xad")
	doctor  = common.HexToAddress("0xd0c")
	doctor2 = common.HexToAddress("0xd0c2")
	patient = common.HexToAddress("0xbab")
	other   = common.HexToAddress("0xbab2")
)

func TestGate_Decide(t *testing.T) {
	l := ledgertest.New(admin)
	l.Grant(patient, doctor)
	g := NewGate(l)

	pat := model.UserRecord{Address: patient, Role: model.RolePatient, IsActive: true}
	doc := model.UserRecord{Address: doctor2, Role: model.RoleDoctor, IsActive: true}

	tests := []struct {
		name    string
		viewer  model.Viewer
		subject model.UserRecord
		want    Visibility
	}{
		{"admin sees everything", model.Viewer{Address: admin, Role: model.RoleAdmin}, pat, Full},
		{"self", model.Viewer{Address: patient, Role: model.RolePatient}, pat, Full},
		{"doctor with grant", model.Viewer{Address: doctor, Role: model.RoleDoctor}, pat, Full},
		{"doctor without grant", model.Viewer{Address: doctor2, Role: model.RoleDoctor}, pat, Redacted},
		{"patient viewing patient", model.Viewer{Address: other, Role: model.RolePatient}, pat, Redacted},
		{"doctor viewing doctor", model.Viewer{Address: doctor, Role: model.RoleDoctor}, doc, Redacted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Decide(context.Background(), tt.viewer, tt.subject)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestGate_ReadsThroughOnEveryCall(t *testing.T) {
	ctx := context.Background()
	l := ledgertest.New(admin)
	g := NewGate(l)
	viewer := model.Viewer{Address: doctor, Role: model.RoleDoctor}
	pat := model.UserRecord{Address: patient, Role: model.RolePatient}

	v, err := g.Decide(ctx, viewer, pat)
	require.NoError(t, err)
	require.Equal(t, Redacted, v)

	l.Grant(patient, doctor)
	v, err = g.Decide(ctx, viewer, pat)
	require.NoError(t, err)
	require.Equal(t, Full, v)

	l.Revoke(patient, doctor)
	v, err = g.Decide(ctx, viewer, pat)
	require.NoError(t, err)
	require.Equal(t, Redacted, v)
	require.Equal(t, 3, l.Calls("doctorAccess"))
}
