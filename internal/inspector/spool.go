// spool.go — временный файл загруженного архива с подсчётом SHA-256 на лету.
package inspector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
)

// Spool — архив, сохранённый во временный файл.
// Файл удаляется, когда освобождена последняя ссылка (Release).
type Spool struct {
	// Size — размер архива в байтах
	Size int64
	// Checksum — SHA-256 архива (hex)
	Checksum string

	path   string
	logger *slog.Logger

	mu   sync.Mutex
	refs int
}

// Spool записывает поток во временный файл. Поток длиннее maxSize
// отклоняется с KindValidation. Вызывающий обязан вызвать Release.
func (i *Inspector) Spool(r io.Reader) (*Spool, error) {
	const op = "inspector.Spool"

	f, err := os.CreateTemp(i.tempDir, "dm-spool-*.ipa")
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	sp := &Spool{path: f.Name(), logger: i.logger, refs: 1}

	hasher := sha256.New()
	tee := io.TeeReader(io.LimitReader(r, i.maxSize+1), hasher)

	size, err := io.Copy(f, tee)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("ошибка закрытия временного файла: %w", closeErr)
	}
	if err != nil {
		sp.Release()
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}
	if size > i.maxSize {
		sp.Release()
		return nil, apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("размер архива превышает %d байт", i.maxSize))
	}

	sp.Size = size
	sp.Checksum = hex.EncodeToString(hasher.Sum(nil))
	return sp, nil
}

// Path возвращает путь временного файла.
func (s *Spool) Path() string {
	return s.path
}

// Open открывает временный файл для чтения (например, для загрузки в S3).
func (s *Spool) Open() (*os.File, error) {
	return os.Open(s.path)
}

func (s *Spool) retain() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// Release освобождает ссылку. Последняя ссылка удаляет файл; ошибка
// удаления только логируется.
func (s *Spool) Release() {
	s.mu.Lock()
	s.refs--
	last := s.refs == 0
	s.mu.Unlock()

	if !last {
		return
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Не удалось удалить временный файл",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	}
}
