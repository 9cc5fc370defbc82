package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/services/registration"
	"github.com/R3E-Network/evidence_layer/internal/httputil"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	// multipart framing and form fields on top of the file itself
	formOverhead = 1 << 20
)

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, registration.ErrFileTooLarge)
			return
		}
		httputil.BadRequest(w, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			h.writeError(w, r, registration.ErrNoFile)
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	defer file.Close()

	data, err := httputil.ReadAllStrict(file, h.maxBody)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			h.writeError(w, r, registration.ErrFileTooLarge)
			return
		}
		httputil.BadRequest(w, "read file: "+err.Error())
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	id, err := h.svc.Registration.Submit(r.Context(),
		registration.Upload{FileName: header.Filename, ContentType: contentType, Data: data},
		registration.Metadata{
			CaseNumber:   r.FormValue("case_number"),
			EvidenceType: r.FormValue("evidence_type"),
			Description:  r.FormValue("description"),
			Tags:         formTags(r),
		})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(evidence.StatusPending)})
}

// formTags accepts repeated tags fields, comma separated values, or both.
func formTags(r *http.Request) []string {
	var tags []string
	for _, v := range r.MultipartForm.Value["tags"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	return tags
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registration.ListFilter{Limit: defaultPageSize}

	if raw := q.Get("status"); raw != "" {
		st, err := evidence.ParseStatus(raw)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		f.Status = st
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), defaultPageSize); err != nil || f.Limit <= 0 {
		httputil.BadRequest(w, "limit must be a positive integer")
		return
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil || f.Offset < 0 {
		httputil.BadRequest(w, "offset must be a non-negative integer")
		return
	}

	records, err := h.svc.Registration.ListEvidence(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", raw)
	}
	return n, nil
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Registration.GetEvidence(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Verification.Verify(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) download(w http.ResponseWriter, r *http.Request) {
	url, err := h.svc.Registration.DownloadURL(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *handler) connectWallet(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Registration.ConnectWallet(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

func (h *handler) wallet(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Registration.Wallet(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Admin.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}
