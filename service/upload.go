package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

var pdfMagic = []byte("%PDF")

// UploadFile is an incoming document before validation
type UploadFile struct {
	Name string
	Size int64
	Body io.Reader
}

// ReadUpload validates an uploaded file and reads it into memory. Checks run
// in a fixed order: extension, then size, then the %PDF signature.
func ReadUpload(f UploadFile, maxBytes int64) ([]byte, error) {
	if !strings.EqualFold(filepath.Ext(f.Name), ".pdf") {
		return nil, &ValidationError{Field: "file", Code: CodeUnsupportedType, Message: "Only PDF files are accepted."}
	}
	if f.Size > maxBytes {
		return nil, tooLarge(maxBytes)
	}

	// the declared size can lie, so bound the read as well
	data, err := io.ReadAll(io.LimitReader(f.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, tooLarge(maxBytes)
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return nil, &ValidationError{Field: "file", Code: CodeUnsupportedType, Message: "This file is not a valid PDF."}
	}
	return data, nil
}

func tooLarge(maxBytes int64) *ValidationError {
	return &ValidationError{
		Field:   "file",
		Code:    CodeTooLarge,
		Message: fmt.Sprintf("File is too large. The maximum size is %d MB.", maxBytes>>20),
	}
}

// ContentHash is the hex SHA-256 of a file, used for duplicate detection
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
