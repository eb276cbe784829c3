// archive.go — поиск и чтение записей в zip-контейнере приложения.
package inspector

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// maxEntrySize — предел распакованного размера читаемой записи
// (Info.plist, embedded.mobileprovision). Защита от zip-бомб.
const maxEntrySize = 16 << 20

// findShallowest возвращает запись с наименьшей глубиной пути среди
// удовлетворяющих match. При равной глубине — лексикографически первую,
// чтобы результат не зависел от порядка записей в архиве.
func findShallowest(zr *zip.Reader, match func(name string) bool) *zip.File {
	var candidates []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if match(normalizeName(f.Name)) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		di, dj := depth(candidates[i].Name), depth(candidates[j].Name)
		if di != dj {
			return di < dj
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0]
}

// isAppDescriptor — запись вида "<...>/<Name>.app/Info.plist".
func isAppDescriptor(name string) bool {
	dir, file := path.Split(name)
	if file != descriptorFile {
		return false
	}
	return strings.HasSuffix(strings.TrimSuffix(dir, "/"), ".app")
}

// isTrustArtifact — запись с именем embedded.mobileprovision на любой глубине.
func isTrustArtifact(name string) bool {
	return path.Base(name) == trustArtifactFile
}

// readEntry читает распакованное содержимое записи целиком, не более maxEntrySize.
func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, fmt.Errorf("запись %s слишком велика: %d байт", f.Name, f.UncompressedSize64)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("открытие записи %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("чтение записи %s: %w", f.Name, err)
	}
	if len(data) > maxEntrySize {
		return nil, fmt.Errorf("запись %s превышает %d байт после распаковки", f.Name, maxEntrySize)
	}
	return data, nil
}

// normalizeName приводит имя записи к виду с прямыми слэшами без ведущего "./".
func normalizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.TrimPrefix(name, "./")
}

func depth(name string) int {
	return strings.Count(normalizeName(name), "/")
}
