// Пакет apperr — закрытое перечисление видов ошибок Distribution Module.
// Каждый вид соответствует одной записи таксономии ошибок протокола
// распространения; HTTP-слой маппит вид в статус-код.
package apperr

import (
	"errors"
	"fmt"
)

// Kind — вид ошибки. Набор значений закрыт: новые виды добавляются только здесь.
type Kind int

const (
	// KindUnknown — не классифицированная ошибка (нулевое значение).
	KindUnknown Kind = iota
	// KindMissingDescriptor — в архиве нет *.app/Info.plist.
	KindMissingDescriptor
	// KindCorruptTrustArtifact — embedded.mobileprovision не удалось разобрать.
	KindCorruptTrustArtifact
	// KindPolicyViolation — запрошенный документ запрещён для класса распространения.
	KindPolicyViolation
	// KindTokenNotFound — download-токен не существует.
	KindTokenNotFound
	// KindTokenExpired — срок действия download-токена истёк.
	KindTokenExpired
	// KindTokenCollision — сгенерированный токен совпал с существующим.
	KindTokenCollision
	// KindStorageUnavailable — хранилище (БД или S3) недоступно.
	KindStorageUnavailable
	// KindUpstreamFetchFailure — не удалось получить бинарник из хранилища.
	KindUpstreamFetchFailure
	// KindArtifactNotFound — артефакт не найден.
	KindArtifactNotFound
	// KindValidation — некорректные входные данные.
	KindValidation
)

var kindNames = map[Kind]string{
	KindUnknown:              "Unknown",
	KindMissingDescriptor:    "MissingDescriptor",
	KindCorruptTrustArtifact: "CorruptTrustArtifact",
	KindPolicyViolation:      "PolicyViolation",
	KindTokenNotFound:        "TokenNotFound",
	KindTokenExpired:         "TokenExpired",
	KindTokenCollision:       "TokenCollision",
	KindStorageUnavailable:   "StorageUnavailable",
	KindUpstreamFetchFailure: "UpstreamFetchFailure",
	KindArtifactNotFound:     "ArtifactNotFound",
	KindValidation:           "Validation",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinel-значения для errors.Is: errors.Is(err, apperr.TokenExpired).
var (
	MissingDescriptor    = &Error{Kind: KindMissingDescriptor}
	CorruptTrustArtifact = &Error{Kind: KindCorruptTrustArtifact}
	PolicyViolation      = &Error{Kind: KindPolicyViolation}
	TokenNotFound        = &Error{Kind: KindTokenNotFound}
	TokenExpired         = &Error{Kind: KindTokenExpired}
	TokenCollision       = &Error{Kind: KindTokenCollision}
	StorageUnavailable   = &Error{Kind: KindStorageUnavailable}
	UpstreamFetchFailure = &Error{Kind: KindUpstreamFetchFailure}
	ArtifactNotFound     = &Error{Kind: KindArtifactNotFound}
	Validation           = &Error{Kind: KindValidation}
)

// Error — ошибка с видом, операцией и причиной.
type Error struct {
	// Kind — вид ошибки
	Kind Kind
	// Op — операция, в которой возникла ошибка (например, "inspector.ParseDescriptor")
	Op string
	// Msg — человекочитаемое описание
	Msg string
	// Err — исходная ошибка (может быть nil)
	Err error
}

// New создаёт ошибку указанного вида.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap оборачивает err в ошибку указанного вида.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по виду, поэтому sentinel-значения совпадают
// с любой ошибкой того же вида независимо от Op и причины.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf возвращает вид первой *Error в цепочке err или KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
