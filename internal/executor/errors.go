package executor

import "errors"

// Ошибки executor'а.
var (
	// ErrUnknownOperation — нет обработчика для тега операции.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrNoPoller — нет JobPoller для типа устройства, вернувшего job.
	ErrNoPoller = errors.New("no job poller for target type")

	// ErrNoChildSubmitter — обработчик запросил дочерний граф, но движок его не поддерживает.
	ErrNoChildSubmitter = errors.New("child workflows are not supported here")
)
