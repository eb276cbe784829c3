package service

import (
	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
)

// storageError относит сбой репозитория к KindStorageUnavailable.
// Ошибки, у которых вид уже есть, возвращаются как есть.
func storageError(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
}
