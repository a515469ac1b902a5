package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict — параллельная транзакция успела создать ту же запись.
	ErrConflict = errors.New("concurrent write conflict")

	// ErrUnknownDriver — неизвестный драйвер хранилища.
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// IsNotFound проверяет ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
