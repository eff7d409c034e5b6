package repo

import "errors"

// Ошибки хранилищ графов, шагов и task.
var (
	// ErrNotFound — граф, шаг или task с таким ID не сохранены.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists — повторное создание записи с тем же ID.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrInvalidState — попытка перезаписать финальную task.
	ErrInvalidState = errors.New("record is in a final state")
)
