package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/AnTengye/coitrack/middleware"
	"github.com/AnTengye/coitrack/model"
	"github.com/AnTengye/coitrack/service"
	"github.com/gin-gonic/gin"
)

// multipartSlack leaves room for form boundaries and fields around the file
const multipartSlack = 1 << 20

type CertificateHandler struct {
	certificates   *service.CertificateService
	directory      *service.DirectoryService
	maxUploadBytes int64
}

func NewCertificateHandler(certificates *service.CertificateService, directory *service.DirectoryService, maxUploadBytes int64) *CertificateHandler {
	return &CertificateHandler{certificates: certificates, directory: directory, maxUploadBytes: maxUploadBytes}
}

// readMultipartFile returns the "file" part of a multipart upload, bounded by
// maxBytes. Oversized bodies are reported as too_large rather than a missing file.
func readMultipartFile(c *gin.Context, maxBytes int64) (service.UploadFile, func(), error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartSlack)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return service.UploadFile{}, nil, &service.ValidationError{
				Field:   "file",
				Code:    service.CodeTooLarge,
				Message: "File is too large. The maximum size is " + strconv.FormatInt(maxBytes>>20, 10) + " MB.",
			}
		}
		return service.UploadFile{}, nil, &service.ValidationError{Field: "file", Code: service.CodeInvalid, Message: "No file provided."}
	}
	return service.UploadFile{Name: header.Filename, Size: header.Size, Body: file}, func() { file.Close() }, nil
}

// ownedCertificate loads a certificate whose entity belongs to the caller's org
func (h *CertificateHandler) ownedCertificate(c *gin.Context) (*model.Certificate, []model.ExtractedCoverage, bool) {
	cert, coverages, err := h.certificates.Get(c.Request.Context(), c.Param("id"))
	if err == nil {
		_, err = h.directory.GetEntity(c.Request.Context(), middleware.GetOrg(c), cert.Ref())
	}
	if err != nil {
		respondError(c, err)
		return nil, nil, false
	}
	return cert, coverages, true
}

// Upload handles POST /api/entities/:kind/:id/certificates
func (h *CertificateHandler) Upload(c *gin.Context) {
	ref, ok := entityRef(c)
	if !ok {
		respondError(c, service.ErrNotFound)
		return
	}
	if _, err := h.directory.GetEntity(c.Request.Context(), middleware.GetOrg(c), ref); err != nil {
		respondError(c, err)
		return
	}

	upload, closeFile, err := readMultipartFile(c, h.maxUploadBytes)
	if err != nil {
		respondError(c, err)
		return
	}
	defer closeFile()

	data, err := service.ReadUpload(upload, h.maxUploadBytes)
	if err != nil {
		respondError(c, err)
		return
	}

	cert, err := h.certificates.Upload(c.Request.Context(), service.UploadRequest{
		Ref:                ref,
		Filename:           upload.Name,
		Content:            data,
		Source:             model.SourcePMUpload,
		DuplicateConfirmed: c.PostForm("duplicate_confirmed") == "true",
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cert)
}

// Get handles GET /api/certificates/:id
func (h *CertificateHandler) Get(c *gin.Context) {
	cert, coverages, ok := h.ownedCertificate(c)
	if !ok {
		return
	}
	if coverages == nil {
		coverages = []model.ExtractedCoverage{}
	}
	c.JSON(http.StatusOK, gin.H{"certificate": cert, "coverages": coverages})
}

// Extract handles POST /api/certificates/:id/extract
func (h *CertificateHandler) Extract(c *gin.Context) {
	cert, _, ok := h.ownedCertificate(c)
	if !ok {
		return
	}
	cert, err := h.certificates.Extract(c.Request.Context(), cert.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	_, coverages, err := h.certificates.Get(c.Request.Context(), cert.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificate": cert, "coverages": coverages})
}

// Confirm handles POST /api/certificates/:id/confirm
func (h *CertificateHandler) Confirm(c *gin.Context) {
	cert, _, ok := h.ownedCertificate(c)
	if !ok {
		return
	}
	cert, err := h.certificates.Confirm(c.Request.Context(), cert.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}
