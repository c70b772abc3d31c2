package web

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/machinebox/progress"

	"ota-device/internal/bootctl"
	"ota-device/internal/imagestore"
	"ota-device/internal/pal"
	"ota-device/internal/sigverify"
	"ota-device/internal/store"
)

type imageStateResponse struct {
	pal.Status
	Blocks pal.Stats `json:"blocks"`
}

func (s *Server) handleAPIGetImageState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, imageStateResponse{Status: s.pal.Status(), Blocks: s.pal.Stats()})
}

type setImageStateRequest struct {
	State string `json:"state"`
}

func (s *Server) handleAPISetImageState(w http.ResponseWriter, r *http.Request) {
	var req setImageStateRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stateReq, err := bootctl.ParseStateRequest(req.State)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.pal.SetPlatformImageState(stateReq); err != nil {
		var te *bootctl.TransitionError
		if errors.As(err, &te) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("set image state", "request", stateReq, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": s.pal.GetPlatformImageState().String()})
}

func (s *Server) handleAPIActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.pal.ActivateImage(); err != nil {
		if errors.Is(err, imagestore.ErrNoImage) {
			s.writeError(w, http.StatusConflict, "no verified image staged")
			return
		}
		s.logger.Error("activate image", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	// Only reached when the resetter returns, e.g. in tests.
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "activating"})
}

// handleAPIUploadImage streams the request body into the update slot in
// blocks, then closes and verifies it. The signature is passed base64
// encoded in X-Signature.
func (s *Server) handleAPIUploadImage(w http.ResponseWriter, r *http.Request) {
	size := r.ContentLength
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid size")
			return
		}
		size = n
	}
	if size < 0 {
		s.writeError(w, http.StatusLengthRequired, "image size required")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Header.Get("X-Signature")))
	if err != nil || len(sig) == 0 {
		s.writeError(w, http.StatusBadRequest, "missing or invalid X-Signature")
		return
	}

	if !s.upload.TryLock() {
		s.writeError(w, http.StatusConflict, "upload in progress")
		return
	}
	defer s.upload.Unlock()

	fc := &pal.FileContext{Size: size, CertLabel: r.Header.Get("X-Cert-Label"), Signature: sig}
	if err := s.pal.CreateFile(fc); err != nil {
		if errors.Is(err, imagestore.ErrTooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		s.logger.Error("create image file", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	body := progress.NewReader(http.MaxBytesReader(w, r.Body, size+1))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if size > 0 {
		go s.reportProgress(ctx, body, size)
	}

	n, err := s.stream(fc, body)
	if err == nil && n != size {
		err = errSizeMismatch
	}
	if err != nil {
		s.pal.Abort(fc)
		switch {
		case errors.Is(err, errSizeMismatch):
			s.writeError(w, http.StatusBadRequest, "body does not match image size")
		case errors.Is(err, imagestore.ErrFault):
			s.logger.Error("stage image", "err", err)
			s.writeError(w, http.StatusInternalServerError, "flash fault")
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	if err := s.pal.CloseFile(r.Context(), fc); err != nil {
		if errors.Is(err, sigverify.ErrSignatureInvalid) {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("close image file", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"status": "verified", "size": n})
}

var errSizeMismatch = errors.New("size mismatch")

// EventUploadProgress is pushed to websocket clients while an image is
// uploaded.
const EventUploadProgress = "upload_progress"

type uploadProgress struct {
	Received  int64   `json:"received"`
	Size      int64   `json:"size"`
	Percent   float64 `json:"percent"`
	Remaining string  `json:"remaining"`
}

func (s *Server) reportProgress(ctx context.Context, body *progress.Reader, size int64) {
	for p := range progress.NewTicker(ctx, body, size, s.progressInterval) {
		s.logger.Debug("upload progress", "percent", int(p.Percent()), "remaining", p.Remaining().Round(time.Second))
		s.wsHub.Broadcast(pal.Event{Type: EventUploadProgress, Data: uploadProgress{
			Received:  p.N(),
			Size:      p.Size(),
			Percent:   p.Percent(),
			Remaining: p.Remaining().Round(time.Second).String(),
		}})
	}
}

func (s *Server) stream(fc *pal.FileContext, body io.Reader) (int64, error) {
	buf := make([]byte, s.blockSize)
	var off int64
	for {
		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if off+int64(n) > fc.Size {
				return off + int64(n), errSizeMismatch
			}
			if _, err := s.pal.WriteBlock(fc, off, buf[:n]); err != nil {
				return off, err
			}
			off += int64(n)
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return off, nil
		default:
			var mbe *http.MaxBytesError
			if errors.As(rerr, &mbe) {
				return off, errSizeMismatch
			}
			return off, rerr
		}
	}
}

func (s *Server) handleAPIDiscardImage(w http.ResponseWriter, r *http.Request) {
	s.pal.DiscardImage()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.db.ListHistory(limit)
	if err != nil {
		s.logger.Error("list history", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []*store.HistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAPIListCertificates(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	certs, err := s.db.ListCertificates()
	if err != nil {
		s.logger.Error("list certificates", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if certs == nil {
		certs = []*store.Certificate{}
	}
	s.writeJSON(w, http.StatusOK, certs)
}

// handleAPIPutCertificate stores a PEM certificate. Only certificates the
// verifier can use are accepted.
func (s *Server) handleAPIPutCertificate(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeError(w, http.StatusNotFound, "store not available")
		return
	}
	label := r.PathValue("label")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := sigverify.ParsePublicKey(data); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cert := &store.Certificate{Label: label, PEM: string(data), AddedAt: time.Now().UTC()}
	if block, _ := pem.Decode(data); block != nil {
		if c, err := x509.ParseCertificate(block.Bytes); err == nil {
			cert.Subject = c.Subject.String()
		}
	}
	if err := s.db.SaveCertificate(cert); err != nil {
		s.logger.Error("save certificate", "label", label, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.logger.Info("certificate stored", "label", label, "subject", cert.Subject)
	s.writeJSON(w, http.StatusOK, cert)
}

func (s *Server) handleAPIDeleteCertificate(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeError(w, http.StatusNotFound, "store not available")
		return
	}
	label := r.PathValue("label")
	if err := s.db.DeleteCertificate(label); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "certificate not found")
			return
		}
		s.logger.Error("delete certificate", "label", label, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIMQTTStats(w http.ResponseWriter, r *http.Request) {
	if s.mqttStats == nil {
		s.writeError(w, http.StatusNotFound, "mqtt disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.mqttStats())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	v := s.pal.Version()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"version": v.String(), "packed": v.Uint32()})
}
