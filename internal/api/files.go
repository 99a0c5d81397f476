package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"curricullm/internal/service/files"
)

const (
	maxFilesPerRequest = 20
	multipartMemory    = 8 << 20
)

func (h *Handler) listFiles(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	list, err := h.files.List(ctx, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	usage, err := h.files.Usage(ctx, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"files": list,
		"used":  usage,
		"limit": h.files.Limits().UserStorageLimit,
	})
}

func (h *Handler) uploadFiles(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	// leave room for multipart framing on top of the file bytes
	maxBody := h.files.Limits().MaxUploadBytes*maxFilesPerRequest + 1<<20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	headers := c.Request.MultipartForm.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one file is required"})
		return
	}
	if len(headers) > maxFilesPerRequest {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many files in one request"})
		return
	}

	uploads := make([]files.Upload, 0, len(headers))
	for _, fh := range headers {
		uploads = append(uploads, files.Upload{
			Name: fh.Filename,
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	results, err := h.files.Upload(c.Request.Context(), userID, uploads)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"files": results})
}

func (h *Handler) removeFile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.files.Remove(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) fileChunks(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chunks, err := h.files.Chunks(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks": chunks})
}
