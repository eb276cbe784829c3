// Пакет errors — ответы с ошибками в формате Artstore.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError или FromError.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
)

// Машиночитаемые коды ошибок.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeTokenNotFound        = "TOKEN_NOT_FOUND"
	CodeTokenExpired         = "TOKEN_EXPIRED"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodePolicyViolation      = "POLICY_VIOLATION"
	CodeMissingDescriptor    = "MISSING_DESCRIPTOR"
	CodeCorruptTrustArtifact = "CORRUPT_TRUST_ARTIFACT"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeStorageUnavailable   = "STORAGE_UNAVAILABLE"
	CodeUpstreamFetchFailure = "UPSTREAM_FETCH_FAILURE"
	CodeInternalError        = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате Artstore.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// kindResponse — HTTP-статус и код для вида доменной ошибки.
type kindResponse struct {
	status  int
	code    string
	message string
}

var kindResponses = map[apperr.Kind]kindResponse{
	apperr.KindMissingDescriptor:    {http.StatusUnprocessableEntity, CodeMissingDescriptor, "В архиве нет разбираемого Info.plist"},
	apperr.KindCorruptTrustArtifact: {http.StatusUnprocessableEntity, CodeCorruptTrustArtifact, "Provisioning profile не разбирается"},
	apperr.KindPolicyViolation:      {http.StatusConflict, CodePolicyViolation, "Операция запрещена для этого артефакта"},
	apperr.KindTokenNotFound:        {http.StatusNotFound, CodeTokenNotFound, "Токен не найден"},
	apperr.KindTokenExpired:         {http.StatusGone, CodeTokenExpired, "Срок действия токена истёк"},
	apperr.KindTokenCollision:       {http.StatusInternalServerError, CodeInternalError, "Не удалось выпустить токен"},
	apperr.KindStorageUnavailable:   {http.StatusServiceUnavailable, CodeStorageUnavailable, "Объектное хранилище недоступно"},
	apperr.KindUpstreamFetchFailure: {http.StatusBadGateway, CodeUpstreamFetchFailure, "Не удалось получить бинарник из хранилища"},
	apperr.KindArtifactNotFound:     {http.StatusNotFound, CodeNotFound, "Артефакт не найден"},
	apperr.KindValidation:           {http.StatusBadRequest, CodeValidationError, "Некорректный запрос"},
}

// clientMessageKinds — виды, для которых клиенту отдаётся собственный текст
// ошибки. Для остальных (сбои инфраструктуры) текст стандартный.
var clientMessageKinds = map[apperr.Kind]bool{
	apperr.KindMissingDescriptor:    true,
	apperr.KindCorruptTrustArtifact: true,
	apperr.KindPolicyViolation:      true,
	apperr.KindArtifactNotFound:     true,
	apperr.KindValidation:           true,
}

// StatusFor возвращает HTTP-статус для ошибки (500 — для ошибок без вида).
func StatusFor(err error) int {
	if resp, ok := kindResponses[apperr.KindOf(err)]; ok {
		return resp.status
	}
	return http.StatusInternalServerError
}

// FromError записывает ответ для доменной ошибки по её виду.
// Ошибки без вида отдаются как 500 без подробностей.
func FromError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	resp, ok := kindResponses[kind]
	if !ok {
		InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	message := resp.message
	if clientMessageKinds[kind] {
		if msg := clientMessage(err); msg != "" {
			message = msg
		}
	}
	WriteError(w, resp.status, resp.code, message)
}

// clientMessage — текст доменной ошибки без префикса операции.
func clientMessage(err error) string {
	var e *apperr.Error
	if !stderrors.As(err, &e) {
		return ""
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// PayloadTooLarge — 413 архив больше допустимого размера.
func PayloadTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
