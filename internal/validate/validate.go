// Package validate checks uploads and profile blobs before anything reaches the network.
package validate

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/model"
)

const (
	// PDFContentType is the only accepted document type.
	PDFContentType = "application/pdf"
	// MaxUploadSize is the largest accepted document, in bytes.
	MaxUploadSize = 10 << 20
)

// Upload rejects anything that is not a PDF of at most MaxUploadSize bytes.
func Upload(f model.FileUpload) error {
	ct := strings.ToLower(strings.TrimSpace(f.ContentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct != PDFContentType {
		return fmt.Errorf("%w: content type %q, only PDF files are allowed", errs.ErrInvalidUpload, f.ContentType)
	}
	if len(f.Data) > MaxUploadSize {
		return fmt.Errorf("%w: %d bytes exceeds the 10MB limit", errs.ErrInvalidUpload, len(f.Data))
	}
	return nil
}

//go:embed profile.schema.json
var profileSchema []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(profileSchema))
	})
	return schema, schemaErr
}

// ProfileBlob validates an encoded blob against the profile schema. Unknown keys are allowed.
func ProfileBlob(data []byte) error {
	s, err := loadSchema()
	if err != nil {
		return fmt.Errorf("load profile schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidProfile, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", errs.ErrInvalidProfile, strings.Join(msgs, "; "))
	}
	return nil
}
