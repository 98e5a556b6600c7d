package model

import (
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
)

// Masked replaces sensitive values the viewer is not allowed to see.
const Masked = "***"

// RawDataKey holds the original blob text when it is not a JSON object.
const RawDataKey = "rawData"

// RawDataBase64Key replaces RawDataKey when the blob is not valid UTF-8, so no byte is lost.
const RawDataBase64Key = "rawDataBase64"

// Document is the metadata of a file stored in the content store.
type Document struct {
	Name       string `json:"name"`
	ContentID  string `json:"ipfsHash"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	UploadDate string `json:"uploadDate"`
}

// Comment is a note attached to a document. Comments are append-only.
type Comment struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// ProfileBlob is the off-chain JSON document referenced by a user's content id.
// Keys without a typed field are kept verbatim in Extra.
type ProfileBlob struct {
	Email               string
	Phone               string
	DateOfBirth         string
	BloodGroup          string
	Allergies           string
	Specialization      string
	LicenseNumber       string
	HospitalAffiliation string
	Documents           []Document
	Comments            map[string][]Comment
	Extra               map[string]json.RawMessage
}

func (b *ProfileBlob) stringFields() map[string]*string {
	return map[string]*string{
		"email":               &b.Email,
		"phone":               &b.Phone,
		"dateOfBirth":         &b.DateOfBirth,
		"bloodGroup":          &b.BloodGroup,
		"allergies":           &b.Allergies,
		"specialization":      &b.Specialization,
		"licenseNumber":       &b.LicenseNumber,
		"hospitalAffiliation": &b.HospitalAffiliation,
	}
}

// UnmarshalJSON decodes a JSON object. Known keys holding unexpected types land in Extra.
func (b *ProfileBlob) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = ProfileBlob{}
	strs := b.stringFields()
	for k, v := range raw {
		if dst, ok := strs[k]; ok {
			if json.Unmarshal(v, dst) == nil {
				continue
			}
		}
		switch k {
		case "documents":
			var docs []Document
			if json.Unmarshal(v, &docs) == nil {
				b.Documents = docs
				continue
			}
		case "comments":
			var cs map[string][]Comment
			if json.Unmarshal(v, &cs) == nil {
				b.Comments = cs
				continue
			}
		}
		// unknown key, or known key with an unexpected shape: keep it untouched
		b.setExtra(k, v)
	}
	return nil
}

// MarshalJSON encodes set fields plus every Extra key; typed fields win on collision.
func (b ProfileBlob) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.Extra)+10)
	for k, v := range b.Extra {
		out[k] = v
	}
	for k, v := range b.stringFields() {
		if *v == "" {
			continue
		}
		enc, err := json.Marshal(*v)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	if b.Documents != nil {
		enc, err := json.Marshal(b.Documents)
		if err != nil {
			return nil, err
		}
		out["documents"] = enc
	}
	if b.Comments != nil {
		enc, err := json.Marshal(b.Comments)
		if err != nil {
			return nil, err
		}
		out["comments"] = enc
	}
	return json.Marshal(out)
}

func (b *ProfileBlob) setExtra(k string, v json.RawMessage) {
	if b.Extra == nil {
		b.Extra = map[string]json.RawMessage{}
	}
	b.Extra[k] = append(json.RawMessage(nil), v...)
}

// DecodeProfileBlob parses stored bytes. Anything that is not a JSON object is wrapped as
// {rawData: <text>} instead of being dropped, or as {rawDataBase64: <base64>} when the bytes
// are not valid UTF-8.
func DecodeProfileBlob(data []byte) ProfileBlob {
	var b ProfileBlob
	if err := json.Unmarshal(data, &b); err != nil {
		key, text := RawDataKey, string(data)
		if !utf8.Valid(data) {
			key, text = RawDataBase64Key, base64.StdEncoding.EncodeToString(data)
		}
		raw, _ := json.Marshal(text)
		return ProfileBlob{Extra: map[string]json.RawMessage{key: raw}}
	}
	return b
}

// AddDocument appends document metadata.
func (b *ProfileBlob) AddDocument(d Document) {
	b.Documents = append(b.Documents, d)
}

// AddComment appends c to the comment list of the document addressed by docID.
func (b *ProfileBlob) AddComment(docID string, c Comment) {
	if b.Comments == nil {
		b.Comments = map[string][]Comment{}
	}
	b.Comments[docID] = append(b.Comments[docID], c)
}

// Profile is a user's on-chain record merged with its off-chain blob.
type Profile struct {
	Address   common.Address `json:"address"`
	Name      string         `json:"name"`
	Role      Role           `json:"role"`
	IsActive  bool           `json:"isActive"`
	ContentID string         `json:"contentId"`

	Email               string `json:"email"`
	Phone               string `json:"phone"`
	DateOfBirth         string `json:"dateOfBirth"`
	BloodGroup          string `json:"bloodGroup"`
	Allergies           string `json:"allergies"`
	Specialization      string `json:"specialization"`
	LicenseNumber       string `json:"licenseNumber"`
	HospitalAffiliation string `json:"hospitalAffiliation"`

	Documents []Document           `json:"documents"`
	Comments  map[string][]Comment `json:"comments,omitempty"`
	Redacted  bool                 `json:"redacted,omitempty"`

	// Extra holds blob keys without a typed field; they are emitted at the top level.
	Extra map[string]json.RawMessage `json:"-"`
}

// ProfileFromRecord returns a profile holding only on-chain fields.
func ProfileFromRecord(rec UserRecord) Profile {
	return Profile{
		Address:   rec.Address,
		Name:      rec.Name,
		Role:      rec.Role,
		IsActive:  rec.IsActive,
		ContentID: rec.ContentID,
		Documents: []Document{},
	}
}

// Blob returns the off-chain part of p.
func (p Profile) Blob() ProfileBlob {
	b := ProfileBlob{
		Email:               p.Email,
		Phone:               p.Phone,
		DateOfBirth:         p.DateOfBirth,
		BloodGroup:          p.BloodGroup,
		Allergies:           p.Allergies,
		Specialization:      p.Specialization,
		LicenseNumber:       p.LicenseNumber,
		HospitalAffiliation: p.HospitalAffiliation,
		Comments:            p.Comments,
		Extra:               p.Extra,
	}
	if len(p.Documents) > 0 {
		b.Documents = p.Documents
	}
	return b
}

// MarshalJSON flattens Extra into the top-level object. An Extra key never overrides a set
// field; it does fill a blob field left empty, which is where a known key holding an
// unexpected type (a list of allergies, say) ends up.
func (p Profile) MarshalJSON() ([]byte, error) {
	type plain Profile
	base, err := json.Marshal(plain(p))
	if err != nil || len(p.Extra) == 0 {
		return base, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	empty := p.emptyBlobKeys()
	for k, v := range p.Extra {
		// the redaction flag describes this view, not the stored blob
		if k == "redacted" {
			continue
		}
		if _, taken := m[k]; !taken || empty[k] {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// emptyBlobKeys reports which blob-owned keys carry no value on p.
func (p Profile) emptyBlobKeys() map[string]bool {
	b := p.Blob()
	out := map[string]bool{
		"documents": len(p.Documents) == 0,
		"comments":  len(p.Comments) == 0,
	}
	for k, v := range b.stringFields() {
		out[k] = *v == ""
	}
	return out
}
