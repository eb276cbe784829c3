// Пакет objectstore — шлюз к S3-совместимому объектному хранилищу.
// Ядро работает только через интерфейс Gateway: подписанная ссылка на
// ключ, запись и чтение байт по ключу. Клиент передаётся явно, глобального
// экземпляра нет.
package objectstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
)

// maxSignedURLTTL — предел срока действия presigned URL в S3.
const maxSignedURLTTL = 7 * 24 * time.Hour

// Gateway — контракт объектного хранилища.
type Gateway interface {
	// SignURL возвращает ссылку на объект, действующую ttl.
	SignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Put сохраняет size байт из r под ключом key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get открывает объект для чтения. Вызывающий обязан закрыть ReadCloser.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Options — параметры подключения к S3.
type Options struct {
	// Endpoint — host:port без схемы
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// CACertPath — путь к CA-сертификату (пусто — системный пул)
	CACertPath string
}

// Client — реализация Gateway поверх minio-go.
type Client struct {
	mc     *minio.Client
	bucket string
	logger *slog.Logger
}

var _ Gateway = (*Client)(nil)

// New создаёт S3-клиент. Соединение не устанавливается:
// доступность хранилища проверяет dephealth.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	transport, err := minio.DefaultTransport(opts.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("создание транспорта S3: %w", err)
	}

	if opts.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата S3: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат S3 добавлен в пул доверия",
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("создание S3-клиента: %w", err)
	}

	return &Client{
		mc:     mc,
		bucket: opts.Bucket,
		logger: logger.With(slog.String("component", "objectstore")),
	}, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("в %s нет PEM-сертификатов", caCertPath)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// SignURL возвращает presigned GET URL на объект.
func (c *Client) SignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	const op = "objectstore.SignURL"

	if ttl <= 0 || ttl > maxSignedURLTTL {
		return "", apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("срок действия ссылки %s вне диапазона (0, %s]", ttl, maxSignedURLTTL))
	}

	params := url.Values{}
	params.Set("response-content-disposition",
		fmt.Sprintf("attachment; filename=%q", path.Base(key)))

	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, ttl, params)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}
	return u.String(), nil
}

// Put загружает объект в bucket.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	const op = "objectstore.Put"

	info, err := c.mc.PutObject(ctx, c.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}

	c.logger.Debug("Объект загружен",
		slog.String("key", key),
		slog.Int64("size", info.Size),
		slog.String("etag", info.ETag),
	)
	return nil
}

// Get открывает объект для чтения. Ошибки (в том числе отсутствие
// объекта) проявляются сразу, а не при первом Read.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	const op = "objectstore.Get"

	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamFetchFailure, op, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, apperr.Wrap(apperr.KindUpstreamFetchFailure, op,
			fmt.Errorf("объект %s (%s): %w", key, minio.ToErrorResponse(err).Code, err))
	}
	return obj, nil
}

// StorageKey — ключ объекта артефакта: artifacts/<artifact_id>/<имя файла>.
func StorageKey(artifactID, originalFilename string) string {
	return "artifacts/" + artifactID + "/" + SanitizeFilename(originalFilename)
}

// SanitizeFilename оставляет от имени файла только базовое имя и
// безопасные символы [A-Za-z0-9._-]. Прочие символы заменяются на "_".
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.Trim(path.Base(name), "/")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "binary"
	}
	return out
}
