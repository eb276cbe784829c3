// install.go — публичные handlers установки по download-токену.
// Аутентификация — сам токен; JWT не требуется.
package handlers

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/distribution-module/internal/manifest"
)

// InstallHandler — обработчик /install/{token}/*.
type InstallHandler struct {
	install InstallService
	logger  *slog.Logger
}

// NewInstallHandler создаёт обработчик установки.
func NewInstallHandler(install InstallService, logger *slog.Logger) *InstallHandler {
	return &InstallHandler{
		install: install,
		logger:  logger.With(slog.String("component", "install_handler")),
	}
}

// Manifest обрабатывает GET /install/{token}/manifest.plist.
func (h *InstallHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	doc, err := h.install.Manifest(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeDocument(w, buf.Bytes(), manifest.ManifestContentType,
		fmt.Sprintf("inline; filename=%q", manifest.ManifestFilename))
}

// Binary обрабатывает GET /install/{token}/binary: 302 на подписанную ссылку.
func (h *InstallHandler) Binary(w http.ResponseWriter, r *http.Request) {
	signed, err := h.install.BinaryURL(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, signed, http.StatusFound)
}

// Profile обрабатывает GET /install/{token}/profile.mobileconfig.
func (h *InstallHandler) Profile(w http.ResponseWriter, r *http.Request) {
	profile, filename, err := h.install.Profile(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var buf bytes.Buffer
	if err := profile.Encode(&buf); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeDocument(w, buf.Bytes(), manifest.ProfileContentType,
		fmt.Sprintf("attachment; filename=%q", filename))
}

// writeDocument отдаёт документ установки без кэширования.
func writeDocument(w http.ResponseWriter, body []byte, contentType, disposition string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
