// Пакет inspector — разбор загруженного архива мобильного приложения:
// идентичность из Info.plist, provisioning profile, класс распространения.
// Разбор выполняется на ограниченном пуле фоновых воркеров над временным
// файлом, который удаляется на любом пути выхода.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
)

// Prometheus-метрики разбора архивов.
var (
	inspectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_inspections_total",
		Help: "Общее количество разборов архивов по результату.",
	}, []string{"result"})

	inspectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dm_inspection_duration_seconds",
		Help:    "Длительность разбора архива (без времени ожидания воркера).",
		Buckets: prometheus.DefBuckets,
	})
)

// Result — результат разбора архива.
type Result struct {
	Descriptor *Descriptor
	// Trust — provisioning profile (nil — профиля в архиве нет)
	Trust *TrustArtifact
	Class model.DistributionClass
}

// Metadata собирает DistributionMetadata из результата разбора.
func (r *Result) Metadata() *model.DistributionMetadata {
	d := r.Descriptor
	m := &model.DistributionMetadata{
		BundleID:          d.BundleID,
		DisplayName:       d.DisplayName,
		ShortVersion:      d.ShortVersion,
		BuildID:           d.BuildID,
		MinimumOSVersion:  d.MinimumOSVersion,
		SupportedDevices:  append([]string(nil), d.DeviceFamilies...),
		DistributionClass: r.Class,
	}
	if t := r.Trust; t != nil {
		m.ProvisioningProfile = t.Base64()
		m.TeamID = t.TeamID
		m.ProfileUUID = t.UUID
		m.ProfileName = t.Name
		if t.ExpiresAt != nil {
			exp := *t.ExpiresAt
			m.ProfileExpiresAt = &exp
		}
	}
	return m
}

// Analyze выполняет полный разбор открытого архива:
// Info.plist → provisioning profile → класс распространения.
func Analyze(zr *zip.Reader) (*Result, error) {
	desc, err := ParseDescriptor(zr)
	if err != nil {
		return nil, err
	}
	trust, err := ExtractTrustArtifact(zr)
	if err != nil {
		return nil, err
	}
	return &Result{
		Descriptor: desc,
		Trust:      trust,
		Class:      Classify(trust),
	}, nil
}

// AnalyzeFile открывает архив по пути и выполняет Analyze.
// Файл, не являющийся zip-архивом, — это архив без Info.plist.
func AnalyzeFile(path string) (*Result, error) {
	const op = "inspector.AnalyzeFile"

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("открытие архива: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat архива: %w", err)
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMissingDescriptor, op, err)
	}
	return Analyze(zr)
}

// Inspector — разбор архивов на ограниченном пуле воркеров.
type Inspector struct {
	tempDir string
	maxSize int64
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// New создаёт Inspector.
// tempDir — каталог временных файлов ("" — os.TempDir()).
// maxSize — максимальный размер принимаемого архива в байтах.
// concurrency — максимальное число одновременных разборов.
func New(tempDir string, maxSize int64, concurrency int, logger *slog.Logger) *Inspector {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Inspector{
		tempDir: tempDir,
		maxSize: maxSize,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		logger:  logger.With(slog.String("component", "inspector")),
	}
}

// Inspect сохраняет поток во временный файл и разбирает его.
// Временный файл удаляется до возврата (или по завершении воркера,
// если ctx отменён раньше).
func (i *Inspector) Inspect(ctx context.Context, r io.Reader) (*Result, error) {
	sp, err := i.Spool(r)
	if err != nil {
		return nil, err
	}
	defer sp.Release()

	return i.InspectSpool(ctx, sp)
}

// InspectSpool разбирает уже сохранённый архив на фоновом воркере.
// При отмене ctx возвращается ctx.Err(), результат воркера отбрасывается.
func (i *Inspector) InspectSpool(ctx context.Context, sp *Spool) (*Result, error) {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		inspectionsTotal.WithLabelValues("canceled").Inc()
		return nil, err
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	// Воркер удерживает свою ссылку на файл: отмена ctx не удаляет
	// файл из-под читающего воркера.
	sp.retain()
	go func() {
		defer i.sem.Release(1)
		defer sp.Release()

		start := time.Now()
		res, err := AnalyzeFile(sp.Path())
		inspectionDuration.Observe(time.Since(start).Seconds())
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		inspectionsTotal.WithLabelValues(resultLabel(out.err)).Inc()
		if out.err != nil {
			i.logger.Info("Архив не прошёл разбор",
				slog.String("checksum", sp.Checksum),
				slog.String("error", out.err.Error()),
			)
			return nil, out.err
		}
		return out.res, nil
	case <-ctx.Done():
		inspectionsTotal.WithLabelValues("canceled").Inc()
		i.logger.Debug("Разбор архива отменён, результат будет отброшен",
			slog.String("checksum", sp.Checksum),
		)
		return nil, ctx.Err()
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.MissingDescriptor):
		return "missing_descriptor"
	case errors.Is(err, apperr.CorruptTrustArtifact):
		return "corrupt_trust_artifact"
	default:
		return "error"
	}
}
