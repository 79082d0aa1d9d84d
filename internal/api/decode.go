package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

const (
	maxBodyBytes   = 32 << 20
	maxMemoryBytes = 8 << 20
)

// decodeRequest reads a JSON body, or a multipart form whose "payload" part
// holds the JSON and whose "attachments" parts hold files.
func decodeRequest(w http.ResponseWriter, r *http.Request, into any) ([]model.NewAttachment, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		if err := json.NewDecoder(r.Body).Decode(into); err != nil {
			return nil, model.NewValidationError("request", fmt.Sprintf("invalid json: %v", err))
		}
		return nil, nil
	}

	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		return nil, model.NewValidationError("request", fmt.Sprintf("invalid multipart body: %v", err))
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	payload := r.MultipartForm.Value["payload"]
	if len(payload) == 0 {
		return nil, model.NewValidationError("payload", "missing")
	}
	if err := json.NewDecoder(strings.NewReader(payload[0])).Decode(into); err != nil {
		return nil, model.NewValidationError("payload", fmt.Sprintf("invalid json: %v", err))
	}

	var files []model.NewAttachment
	for i, fh := range r.MultipartForm.File["attachments"] {
		f, err := fh.Open()
		if err != nil {
			return nil, model.NewValidationError(fmt.Sprintf("attachments[%d]", i), err.Error())
		}
		content, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, model.NewValidationError(fmt.Sprintf("attachments[%d]", i), err.Error())
		}
		mt := fh.Header.Get("Content-Type")
		if mt == "application/octet-stream" {
			mt = ""
		}
		files = append(files, model.NewAttachment{Name: fh.Filename, MimeType: mt, Content: content})
	}
	return files, nil
}
